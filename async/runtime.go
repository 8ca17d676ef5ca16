package async

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mnehpets/onerpc/jsonrpc"
)

var errShuttingDown = jsonrpc.NewFault(jsonrpc.CodeServerError, "Server shutting down")

// Runtime serves payloads for a dispatcher on a Loop. It implements
// jsonrpc.PayloadHandler; ServePayload may be called from any goroutine
// while Run is active.
type Runtime struct {
	d      *jsonrpc.Dispatcher
	loop   *Loop
	logger *slog.Logger
}

// NewRuntime creates a runtime for d. The logger defaults to the
// dispatcher's.
func NewRuntime(d *jsonrpc.Dispatcher, opts ...Option) *Runtime {
	o := buildOptions(opts)
	if o.logger == nil {
		o.logger = d.Config().LoggerOrDefault()
	}
	logger := o.logger.With("runtime", "async")
	return &Runtime{
		d:      d,
		loop:   NewLoop(WithInterrupt(o.interrupt), WithPollInterval(o.poll), WithLogger(logger)),
		logger: logger,
	}
}

// Config returns the dispatcher's configuration.
func (rt *Runtime) Config() *jsonrpc.Config {
	return rt.d.Config()
}

// Loop returns the loop methods run on.
func (rt *Runtime) Loop() *Loop {
	return rt.loop
}

// Run drives the loop until it is stopped and in-flight payloads have been
// answered.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.logger.Info("async: running")
	err := rt.loop.Run(ctx)
	rt.logger.Info("async: stopped")
	return err
}

// Stop stops accepting payloads. Calls already running complete.
func (rt *Runtime) Stop() {
	rt.loop.Stop()
}

// ServePayload decodes data and runs its requests as loop tasks. Batch
// members run as independent tasks and are joined before the reply is
// assembled; notifications are not awaited.
func (rt *Runtime) ServePayload(ctx context.Context, data []byte) jsonrpc.Reply {
	cfg := rt.d.Config()
	p, fault := jsonrpc.ParsePayload(cfg, data)
	if fault != nil {
		rt.logger.Warn("async: rejected payload", "code", fault.Fault.Code, "data", fault.Fault.Data)
		return jsonrpc.FaultReply(cfg, fault)
	}
	responses := p.Faults()
	reqs := p.Requests()
	if len(reqs) == 0 {
		return jsonrpc.EncodeReply(cfg, responses, p.Batch)
	}

	f := Spawn(ctx, rt.loop, func(ctx context.Context) ([]*jsonrpc.Response, error) {
		return rt.serve(ctx, reqs), nil
	})
	got, err := f.Wait(ctx)
	if err != nil {
		refusal := errShuttingDown
		if !errors.Is(err, ErrStopped) {
			refusal = jsonrpc.NewFault(jsonrpc.CodeServerError, "Server error").WithData(err.Error())
		}
		rt.logger.Warn("async: payload refused", "error", err)
		for _, req := range reqs {
			if r := rt.d.Refuse(req, refusal); r != nil {
				responses = append(responses, r)
			}
		}
		return jsonrpc.EncodeReply(cfg, responses, p.Batch)
	}
	return jsonrpc.EncodeReply(cfg, append(responses, got...), p.Batch)
}

// serve runs on the loop.
func (rt *Runtime) serve(ctx context.Context, reqs []*jsonrpc.Request) []*jsonrpc.Response {
	if len(reqs) == 1 && !reqs[0].Notification {
		if r := rt.d.Dispatch(ctx, reqs[0]); r != nil {
			return []*jsonrpc.Response{r}
		}
		return nil
	}

	type pending struct {
		req *jsonrpc.Request
		f   *Future[*jsonrpc.Response]
	}
	var calls []pending
	for _, req := range reqs {
		if req.Notification {
			Spawn(context.WithoutCancel(ctx), rt.loop, func(ctx context.Context) (struct{}, error) {
				rt.d.Dispatch(ctx, req)
				return struct{}{}, nil
			})
			continue
		}
		calls = append(calls, pending{req: req, f: Spawn(ctx, rt.loop, func(ctx context.Context) (*jsonrpc.Response, error) {
			return rt.d.Dispatch(ctx, req), nil
		})})
	}

	out := make([]*jsonrpc.Response, 0, len(calls))
	for _, c := range calls {
		r, err := Await(ctx, c.f)
		if err != nil {
			r = rt.d.Refuse(c.req, jsonrpc.NewFault(jsonrpc.CodeInternalError, "Internal error").WithData(err.Error()))
		}
		out = append(out, r)
	}
	return out
}
