package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// Frame status bytes.
const (
	FrameOK    byte = 0
	FrameFault byte = 1
)

// ErrFrameTooLarge is returned for frames longer than the reader's limit.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// WriteFrame writes [4-byte big-endian length][status][payload], where the
// length counts the payload only.
func WriteFrame(w io.Writer, status byte, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = status
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame. max bounds the payload length; zero or less
// means DefaultMaxReplySize.
func ReadFrame(r io.Reader, max int) (byte, []byte, error) {
	if max <= 0 {
		max = DefaultMaxReplySize
	}
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if uint64(n) > uint64(max) {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return hdr[4], payload, nil
}

func replyStatus(r jsonrpc.Reply) byte {
	if r.Status == jsonrpc.StatusFault {
		return FrameFault
	}
	return FrameOK
}

// Stream sends framed payloads over one TCP or Unix connection, dialled on
// first use and redialled after a failure. Round trips are serialized.
//
// A call that the peer treats as a notification gets no reply frame, so the
// round trip ends only when ctx does.
type Stream struct {
	network  string
	addr     string
	maxFrame int

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// NewStream creates a stream transport for network "tcp" or "unix".
func NewStream(network, addr string) *Stream {
	return &Stream{network: network, addr: addr, maxFrame: DefaultMaxReplySize}
}

// RoundTrip writes m and, unless it is a notification, reads one reply
// frame.
func (s *Stream) RoundTrip(ctx context.Context, m *Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, s.network, s.addr)
		if err != nil {
			return nil, &Error{Op: "dial", Addr: s.addr, Err: contextCause(ctx, err)}
		}
		s.conn = conn
		s.br = bufio.NewReader(conn)
	}
	conn := s.conn

	// The context alone bounds the exchange; a socket deadline of its own
	// could expire before ctx reports why.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, s.fail("write", ctx, err)
	}
	poked := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(poked)
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-poked
		}
	}()

	if err := WriteFrame(conn, FrameOK, m.Body); err != nil {
		return nil, s.fail("write", ctx, err)
	}
	if m.Notify {
		return nil, nil
	}
	_, payload, err := ReadFrame(s.br, s.maxFrame)
	if err != nil {
		return nil, s.fail("read", ctx, err)
	}
	return payload, nil
}

func (s *Stream) fail(op string, ctx context.Context, err error) error {
	_ = s.conn.Close()
	s.conn, s.br = nil, nil
	return &Error{Op: op, Addr: s.addr, Err: contextCause(ctx, err)}
}

// contextCause reports ctx's error in place of err once ctx is done, or
// once its deadline has passed and err is a socket timeout.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// Close closes the connection, if any.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.br = nil, nil
	return err
}

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

// StreamServer serves a PayloadHandler over framed connections. Frames on
// one connection are answered in order; connections are served
// concurrently.
type StreamServer struct {
	h        jsonrpc.PayloadHandler
	logger   *slog.Logger
	maxFrame int

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// ServerOption configures a StreamServer or DatagramServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger   *slog.Logger
	maxFrame int
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// WithMaxFrameSize bounds inbound payloads.
func WithMaxFrameSize(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxFrame = n
	}
}

func buildServerOptions(opts []ServerOption) serverOptions {
	o := serverOptions{logger: slog.Default(), maxFrame: DefaultMaxReplySize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewStreamServer creates a server for h.
func NewStreamServer(h jsonrpc.PayloadHandler, opts ...ServerOption) *StreamServer {
	o := buildServerOptions(opts)
	return &StreamServer{
		h:         h,
		logger:    o.logger.With("transport", "stream"),
		maxFrame:  o.maxFrame,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until Shutdown. It always returns a
// non-nil error.
func (s *StreamServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.logger.Info("serving", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(conn)
	}
}

func (s *StreamServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *StreamServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	br := bufio.NewReader(conn)
	for {
		_, payload, err := ReadFrame(br, s.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", "error", err)
			}
			return
		}
		reply := s.h.ServePayload(ctx, payload)
		if reply.Status == jsonrpc.StatusEmpty {
			continue
		}
		if err := WriteFrame(conn, replyStatus(reply), reply.Body); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
}

// Shutdown closes the listeners, then waits for connections to finish the
// frame they are serving. Idle connections are closed at once; when ctx ends
// every remaining connection is closed.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	// Wake connections blocked reading the next frame.
	for c := range s.conns {
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
