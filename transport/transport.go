// Package transport moves encoded JSON-RPC payloads between a client and a
// jsonrpc.PayloadHandler.
//
// Client side, a Transport sends one payload and returns the peer's reply:
// HTTP (TCP, TLS or a Unix socket) and length-prefixed streams (TCP or Unix).
// Server side, StreamServer and DatagramServer serve a PayloadHandler on a
// listener, and FastHTTPHandler adapts one to fasthttp.
package transport

import (
	"context"
	"fmt"
	"net/http"
)

// Message is one outbound payload.
type Message struct {
	Body []byte

	// Header carries extra HTTP headers. Stream transports ignore it.
	Header http.Header

	// Notify marks payloads that expect no reply, e.g. a notification or a
	// batch made only of notifications.
	Notify bool
}

// Transport sends payloads. RoundTrip returns the reply body, or nil when
// the message expects no reply. Failures are reported as *Error.
type Transport interface {
	RoundTrip(ctx context.Context, m *Message) ([]byte, error)
	Close() error
}

// Error is a transport failure. It is never a protocol fault: the payload
// may not have reached the peer at all.
type Error struct {
	Op   string // "post", "dial", "write" or "read"
	Addr string

	// StatusCode, Status and Header are set when an HTTP peer answered with
	// an error status.
	StatusCode int
	Status     string
	Header     http.Header

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("transport: %s %s: %s: %v", e.Op, e.Addr, e.Status, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: %s %s: %s", e.Op, e.Addr, e.Status)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
