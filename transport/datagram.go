package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// DatagramServer serves one payload per datagram. Replies are sent back to
// the sender prefixed with the frame status byte; empty replies are not
// sent.
type DatagramServer struct {
	h      jsonrpc.PayloadHandler
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool
	// done is closed once Serve has returned and every reply was sent.
	done chan struct{}
}

// NewDatagramServer creates a server for h.
func NewDatagramServer(h jsonrpc.PayloadHandler, opts ...ServerOption) *DatagramServer {
	o := buildServerOptions(opts)
	return &DatagramServer{h: h, logger: o.logger.With("transport", "datagram")}
}

// Serve reads datagrams from pc until Shutdown. Each datagram is served on
// its own goroutine.
func (s *DatagramServer) Serve(pc net.PacketConn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.conn = pc
	s.done = make(chan struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(s.done)
	}()

	s.logger.Info("serving", "addr", pc.LocalAddr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return err
		}
		payload := append([]byte(nil), buf[:n]...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.h.ServePayload(ctx, payload)
			if reply.Status == jsonrpc.StatusEmpty {
				return
			}
			out := make([]byte, 0, len(reply.Body)+1)
			out = append(out, replyStatus(reply))
			out = append(out, reply.Body...)
			if _, err := pc.WriteTo(out, addr); err != nil {
				s.logger.Warn("write failed", "remote", addr.String(), "error", err)
			}
		}()
	}
}

// Shutdown stops reading and waits for in-flight datagrams to be answered.
func (s *DatagramServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conn, done := s.conn, s.done
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()

	// Unblock ReadFrom without closing the socket replies are written to.
	_ = conn.SetReadDeadline(time.Now())
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
