package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mnehpets/onerpc/async"
	"github.com/mnehpets/onerpc/jsonrpc"
)

// demoService is registered under "demo".
type demoService struct {
	logger *slog.Logger
}

// Echo returns its argument.
func (s *demoService) Echo(_ context.Context, v any) any {
	return v
}

type addParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Add accepts {"a":..,"b":..} or [a, b].
func (s *demoService) Add(_ context.Context, p addParams) float64 {
	return p.A + p.B
}

// Sleep waits ms milliseconds, yielding the loop under the async runtime.
func (s *demoService) Sleep(ctx context.Context, ms int) (int, error) {
	if ms < 0 || ms > 60_000 {
		return 0, jsonrpc.NewFault(jsonrpc.CodeInvalidParams, "ms must be between 0 and 60000")
	}
	if err := async.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return 0, err
	}
	return ms, nil
}

// Log records msg. It is meant to be sent as a notification.
func (s *demoService) Log(ctx context.Context, msg string) {
	s.logger.InfoContext(ctx, "demo: log", "msg", msg)
}

// Fail returns an application fault with the given code.
func (s *demoService) Fail(_ context.Context, code int, msg string) error {
	return jsonrpc.NewFault(code, msg).WithData(map[string]any{"at": time.Now().UTC().Format(time.RFC3339)})
}

func newDispatcher(cfg *jsonrpc.Config, logger *slog.Logger) (*jsonrpc.Dispatcher, error) {
	d := jsonrpc.NewDispatcher(cfg)
	if err := d.RegisterService("demo", &demoService{logger: logger}); err != nil {
		return nil, err
	}
	return d, nil
}
