// Package server runs a jsonrpc.Dispatcher synchronously: one pass per
// received payload, with notifications and calls optionally handed to
// worker pools.
//
// Basic Usage:
//
//	d := jsonrpc.NewDispatcher(nil)
//	d.RegisterService("math", &MathMethods{})
//
//	s := server.New(d, server.WithNotificationPool(pool.New(pool.WithName("notify"))))
//	http.Handle("/rpc", server.Handler(s))
//
// A Server is a jsonrpc.PayloadHandler, so it can also be served by the
// stream and datagram transports.
package server

import (
	"context"
	"log/slog"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/pool"
)

// Server is the synchronous runtime. It holds no per-request state.
type Server struct {
	d        *jsonrpc.Dispatcher
	notify   *pool.Pool
	requests *pool.Pool
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithNotificationPool runs notifications on p. Without one, notifications
// run inline before ServePayload returns.
func WithNotificationPool(p *pool.Pool) Option {
	return func(s *Server) {
		s.notify = p
	}
}

// WithRequestPool runs calls on p while the caller waits. Without one,
// calls run on the caller's goroutine.
func WithRequestPool(p *pool.Pool) Option {
	return func(s *Server) {
		s.requests = p
	}
}

// WithLogger sets the logger. Nil means the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server for d.
func New(d *jsonrpc.Dispatcher, opts ...Option) *Server {
	s := &Server{d: d}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = d.Config().LoggerOrDefault()
	}
	return s
}

// Config returns the dispatcher's configuration.
func (s *Server) Config() *jsonrpc.Config {
	return s.d.Config()
}

// Dispatcher returns the dispatcher served by s.
func (s *Server) Dispatcher() *jsonrpc.Dispatcher {
	return s.d
}

var errShuttingDown = jsonrpc.NewFault(jsonrpc.CodeServerError, "Server shutting down")

// ServePayload decodes data, dispatches its members and encodes the reply.
// Notifications are submitted to the notification pool and never awaited; a
// payload holding only notifications yields jsonrpc.EmptyReply.
func (s *Server) ServePayload(ctx context.Context, data []byte) jsonrpc.Reply {
	cfg := s.d.Config()
	p, fault := jsonrpc.ParsePayload(cfg, data)
	if fault != nil {
		s.logger.Warn("server: rejected payload", "code", fault.Fault.Code, "data", fault.Fault.Data)
		return jsonrpc.FaultReply(cfg, fault)
	}

	responses := p.Faults()
	var calls []*jsonrpc.Request
	for _, req := range p.Requests() {
		if req.Notification {
			s.notifyAsync(ctx, req)
			continue
		}
		calls = append(calls, req)
	}
	if len(calls) > 0 {
		responses = append(responses, s.call(ctx, calls, p.Batch)...)
	}
	return jsonrpc.EncodeReply(cfg, responses, p.Batch)
}

func (s *Server) notifyAsync(ctx context.Context, req *jsonrpc.Request) {
	ctx = context.WithoutCancel(ctx)
	err := s.notify.Submit(func() {
		s.d.Dispatch(ctx, req)
	})
	if err != nil {
		s.logger.Warn("server: notification dropped", "method", req.Method, "error", err)
	}
}

// call dispatches calls, on the request pool when one is configured.
func (s *Server) call(ctx context.Context, calls []*jsonrpc.Request, batch bool) []*jsonrpc.Response {
	run := func() []*jsonrpc.Response {
		if batch {
			return s.d.DispatchBatch(ctx, calls)
		}
		return []*jsonrpc.Response{s.d.Dispatch(ctx, calls[0])}
	}
	if s.requests == nil {
		return run()
	}

	done := make(chan []*jsonrpc.Response, 1)
	if err := s.requests.Submit(func() { done <- run() }); err != nil {
		s.logger.Warn("server: request pool refused calls", "count", len(calls), "error", err)
		out := make([]*jsonrpc.Response, 0, len(calls))
		for _, req := range calls {
			out = append(out, s.d.Refuse(req, errShuttingDown))
		}
		return out
	}
	return <-done
}

// Shutdown stops the server's pools, letting submitted work finish until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	for _, p := range []*pool.Pool{s.requests, s.notify} {
		if err := p.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
