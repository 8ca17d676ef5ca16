package jsonrpc

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatcher owns a method registry and turns requests into responses.
// Registration is expected to finish before serving starts; lookups are
// safe for concurrent use at any time.
type Dispatcher struct {
	cfg *Config

	mu      sync.RWMutex
	methods map[string]Handler
}

// NewDispatcher creates a dispatcher. cfg is copied; nil means
// DefaultConfig.
func NewDispatcher(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg.Copy(),
		methods: make(map[string]Handler),
	}
	if d.cfg.Introspection {
		d.registerIntrospection()
	}
	return d
}

// Config returns the dispatcher's configuration. Callers must not mutate it.
func (d *Dispatcher) Config() *Config {
	return d.cfg
}

func (d *Dispatcher) logger() *slog.Logger {
	return d.cfg.logger()
}

// Register adds h under name. Names starting with "__" are reserved.
func (d *Dispatcher) Register(name string, h Handler) error {
	if strings.HasPrefix(name, "__") {
		return &ConfigError{Name: name, Err: ErrReservedName}
	}
	if name == "" || h == nil {
		return &ConfigError{Name: name, Err: ErrInvalidHandler}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[name]; exists {
		return &ConfigError{Name: name, Err: ErrDuplicateMethod}
	}
	d.methods[name] = h
	return nil
}

// RegisterFunc registers fn through Func.
func (d *Dispatcher) RegisterFunc(name string, fn any, paramNames ...string) error {
	h, err := Func(fn, paramNames...)
	if err != nil {
		return &ConfigError{Name: name, Err: err}
	}
	return d.Register(name, h)
}

// RegisterService adds the methods of receiver. The namespace prefixes all
// method names (e.g., "math" + "Add" -> "math.Add"); use the empty string for
// no prefix.
//
// Exported methods are registered when Func accepts their signature; others
// are skipped. A method taking a context and a single struct param binds its
// params to the struct fields and may override its name with a `_` field
// tagged `jsonrpc:"name"`.
func (d *Dispatcher) RegisterService(namespace string, receiver any) error {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		h, err := Func(val.Method(i).Interface())
		if err != nil {
			continue
		}

		name := method.Name
		if fh, ok := h.(*funcHandler); ok && fh.structMode {
			if tag := methodNameOverride(fh.in[0]); tag != "" {
				name = tag
			}
		}
		if namespace != "" {
			name = namespace + "." + name
		}
		if err := d.Register(name, h); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return &ConfigError{Name: namespace, Err: fmt.Errorf("%w: %T has no suitable methods", ErrInvalidHandler, receiver)}
	}
	return nil
}

func methodNameOverride(t reflect.Type) string {
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.Name == "_" {
			if tag := f.Tag.Get("jsonrpc"); tag != "" {
				return tag
			}
		}
	}
	return ""
}

// ServePayload decodes, dispatches and encodes one payload on the calling
// goroutine, which makes a Dispatcher a PayloadHandler without worker pools.
func (d *Dispatcher) ServePayload(ctx context.Context, data []byte) Reply {
	p, fault := ParsePayload(d.cfg, data)
	if fault != nil {
		d.logger().Warn("jsonrpc: rejected payload", "code", fault.Fault.Code, "data", fault.Fault.Data)
		return FaultReply(d.cfg, fault)
	}
	responses := p.Faults()
	reqs := p.Requests()
	if p.Batch {
		responses = append(responses, d.DispatchBatch(ctx, reqs)...)
	} else if len(reqs) == 1 {
		if r := d.Dispatch(ctx, reqs[0]); r != nil {
			responses = append(responses, r)
		}
	}
	return EncodeReply(d.cfg, responses, p.Batch)
}

// Unregister removes name and reports whether it was present.
func (d *Dispatcher) Unregister(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.methods[name]
	delete(d.methods, name)
	return ok
}

// Lookup finds a handler. Reserved names never resolve.
func (d *Dispatcher) Lookup(name string) (Handler, bool) {
	if strings.HasPrefix(name, "__") {
		return nil, false
	}
	d.mu.RLock()
	h, ok := d.methods[name]
	d.mu.RUnlock()
	return h, ok
}

// Methods returns the sorted registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	d.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Call invokes the method named by req and returns its result or the fault
// to report. Panics while loading class-tagged params are invalid params;
// panics in the handler are internal errors.
func (d *Dispatcher) Call(ctx context.Context, req *Request) (result any, fault *Fault) {
	h, ok := d.Lookup(req.Method)
	if !ok {
		return nil, &Fault{Code: CodeMethodNotFound, Message: "Method not found", Data: req.Method}
	}

	loaded := false
	defer func() {
		if r := recover(); r != nil {
			if !loaded {
				d.logger().Error("jsonrpc: class loader panic", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
				result, fault = nil, &Fault{Code: CodeInvalidParams, Message: "Invalid params", Data: fmt.Sprint(r)}
				return
			}
			d.logger().Error("jsonrpc: handler panic", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			result, fault = nil, &Fault{Code: CodeInternalError, Message: "Internal error", Data: fmt.Sprint(r)}
		}
	}()

	params, err := d.loadParams(req.Params)
	if err != nil {
		return nil, &Fault{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	loaded = true

	res, err := h.Call(withRequest(ctx, d.cfg, req), params)
	if err != nil {
		return nil, faultFor(err)
	}
	return res, nil
}

func (d *Dispatcher) loadParams(p Params) (Params, error) {
	if d.cfg.classes() == nil {
		return p, nil
	}
	if p.IsNamed() {
		out := make(map[string]any, len(p.Named))
		for k, v := range p.Named {
			l, err := LoadValue(d.cfg, v)
			if err != nil {
				return Params{}, err
			}
			out[k] = l
		}
		return Params{Named: out}, nil
	}
	if len(p.Positional) == 0 {
		return p, nil
	}
	out := make([]any, len(p.Positional))
	for i, v := range p.Positional {
		l, err := LoadValue(d.cfg, v)
		if err != nil {
			return Params{}, err
		}
		out[i] = l
	}
	return Params{Positional: out}, nil
}

// Dispatch runs one request. It returns nil for notifications, whose
// failures are reported to Config.OnNotificationError and the logger.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	result, f := d.Call(ctx, req)
	if req.Notification {
		if f != nil {
			d.notificationFailed(ctx, req, f)
		}
		return nil
	}
	v := d.cfg.responseVersion(req.Version)
	if f != nil {
		d.logFault(req, f)
		return faultResponse(v, req.ID, f)
	}
	return resultResponse(v, req.ID, result)
}

// Refuse answers req with f without running it. It returns nil for
// notifications.
func (d *Dispatcher) Refuse(req *Request, f *Fault) *Response {
	if req.Notification {
		return nil
	}
	return faultResponse(d.cfg.responseVersion(req.Version), req.ID, f)
}

// DispatchBatch runs the requests concurrently, bounded by
// Config.BatchConcurrency. Responses for notifications are omitted; nil is
// returned when nothing is left to answer.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []*Request) []*Response {
	responses := make([]*Response, len(reqs))
	var g errgroup.Group
	if n := d.cfg.BatchConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, req := range reqs {
		g.Go(func() error {
			responses[i] = d.Dispatch(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return compact(responses)
}

func compact(rs []*Response) []*Response {
	out := rs[:0]
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (d *Dispatcher) notificationFailed(ctx context.Context, req *Request, f *Fault) {
	d.logger().Error("jsonrpc: notification failed", "method", req.Method, "code", f.Code, "message", f.Message, "data", f.Data)
	if d.cfg.OnNotificationError != nil {
		d.cfg.OnNotificationError(ctx, req, f)
	}
}

func (d *Dispatcher) logFault(req *Request, f *Fault) {
	switch {
	case f.Code == CodeInternalError:
		d.logger().Error("jsonrpc: call failed", "method", req.Method, "id", req.ID, "data", f.Data)
	case f.IsApplication():
		d.logger().Debug("jsonrpc: application fault", "method", req.Method, "id", req.ID, "code", f.Code)
	default:
		d.logger().Warn("jsonrpc: call rejected", "method", req.Method, "id", req.ID, "code", f.Code, "data", f.Data)
	}
}

type ctxKey int

const (
	requestKey ctxKey = iota
	configKey
)

func withRequest(ctx context.Context, cfg *Config, req *Request) context.Context {
	ctx = context.WithValue(ctx, requestKey, req)
	return context.WithValue(ctx, configKey, cfg)
}

// RequestFromContext returns the request being served, if any.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey).(*Request)
	return req, ok
}

func configFromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey).(*Config)
	return cfg
}
