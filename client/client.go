// Package client is a JSON-RPC client proxy.
//
// Basic Usage:
//
//	c, err := client.Dial("http://localhost:8080/rpc")
//	if err != nil { ... }
//	defer c.Close()
//
//	var sum int
//	err = c.Invoke(ctx, "math.Add", jsonrpc.ByPosition(2, 3), &sum)
//
//	// Nested method names.
//	res, err := c.Method("math").Method("Add").Call(ctx, 2, 3)
//
// Server faults are returned as *jsonrpc.Fault, transport failures as
// *transport.Error and class decoding failures as *jsonclass.ClassError.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/transport"
)

// Client sends requests over a Transport. It is safe for concurrent use.
type Client struct {
	t       transport.Transport
	cfg     *jsonrpc.Config
	logger  *slog.Logger
	history *History

	defaults http.Header

	mu       sync.Mutex
	inflight map[string]struct{}
}

type settings struct {
	cfg      *jsonrpc.Config
	history  *History
	logger   *slog.Logger
	headers  map[string]string
	httpOpts []transport.HTTPOption
}

// Option configures a Client.
type Option func(*settings)

// WithConfig sets the protocol configuration. The client keeps a copy.
func WithConfig(cfg *jsonrpc.Config) Option {
	return func(s *settings) {
		s.cfg = cfg.Copy()
	}
}

// WithHistory records every payload sent and received in h.
func WithHistory(h *History) Option {
	return func(s *settings) {
		s.history = h
	}
}

// WithLogger sets the logger. Nil means the config's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithDefaultHeaders adds headers to every request, beneath any WithHeaders
// scope.
func WithDefaultHeaders(h map[string]string) Option {
	return func(s *settings) {
		s.headers = h
	}
}

// WithTokenSource authorizes HTTP requests with bearer tokens from ts. It
// applies to transports created by Dial.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(s *settings) {
		s.httpOpts = append(s.httpOpts, transport.WithTokenSource(ts))
	}
}

// WithHTTPClient sets the HTTP client used by transports created by Dial.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) {
		s.httpOpts = append(s.httpOpts, transport.WithHTTPClient(hc))
	}
}

func buildSettings(opts []Option) *settings {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg == nil {
		s.cfg = jsonrpc.DefaultConfig()
	}
	if s.logger == nil {
		s.logger = s.cfg.LoggerOrDefault()
	}
	return s
}

// New creates a client sending over t.
func New(t transport.Transport, opts ...Option) *Client {
	return newClient(t, buildSettings(opts))
}

func newClient(t transport.Transport, s *settings) *Client {
	c := &Client{
		t:        t,
		cfg:      s.cfg,
		logger:   s.logger,
		history:  s.history,
		inflight: make(map[string]struct{}),
	}
	if len(s.headers) > 0 {
		c.defaults = normalizeHeaders(s.headers)
	}
	return c
}

// Dial creates a client for uri:
//
//	http://host[:port]/path, https://...   HTTP POST
//	unix+http://<socket path>             HTTP over a Unix socket
//	tcp://host:port                       framed stream over TCP
//	unix://<socket path>                  framed stream over a Unix socket
func Dial(uri string, opts ...Option) (*Client, error) {
	s := buildSettings(opts)
	var t transport.Transport
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "unix+http://"):
		httpOpts := append([]transport.HTTPOption{
			transport.WithContentType(s.cfg.ContentTypeOrDefault()),
			transport.WithUserAgent(s.cfg.UserAgentOrDefault()),
			transport.WithCodec(s.cfg.CodecOrDefault()),
		}, s.httpOpts...)
		h, err := transport.NewHTTP(uri, httpOpts...)
		if err != nil {
			return nil, err
		}
		t = h
	case strings.HasPrefix(uri, "tcp://"):
		t = transport.NewStream("tcp", strings.TrimPrefix(uri, "tcp://"))
	case strings.HasPrefix(uri, "unix://"):
		t = transport.NewStream("unix", strings.TrimPrefix(uri, "unix://"))
	default:
		return nil, fmt.Errorf("client: unsupported URI %q", uri)
	}
	return newClient(t, s), nil
}

// Config returns the client's configuration.
func (c *Client) Config() *jsonrpc.Config {
	return c.cfg
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.t.Close()
}

// Call invokes method with positional args and returns the decoded result.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	return c.call(ctx, method, jsonrpc.ByPosition(args...))
}

// CallNamed invokes method with keyed args.
func (c *Client) CallNamed(ctx context.Context, method string, args map[string]any) (any, error) {
	return c.call(ctx, method, jsonrpc.ByName(args))
}

// Invoke calls method and decodes the result into reply, which must be a
// non-nil pointer, or nil to discard the result.
func (c *Client) Invoke(ctx context.Context, method string, params jsonrpc.Params, reply any) error {
	res, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	return decode(c.cfg.CodecOrDefault(), res, reply)
}

// Notify sends a notification with positional args.
func (c *Client) Notify(ctx context.Context, method string, args ...any) error {
	return c.notify(ctx, method, jsonrpc.ByPosition(args...))
}

// NotifyNamed sends a notification with keyed args.
func (c *Client) NotifyNamed(ctx context.Context, method string, args map[string]any) error {
	return c.notify(ctx, method, jsonrpc.ByName(args))
}

func (c *Client) call(ctx context.Context, method string, params jsonrpc.Params) (any, error) {
	id := c.newID()
	defer c.releaseID(id)

	req := jsonrpc.NewRequest(c.cfg.VersionOrDefault(), id, method, params)
	body, err := jsonrpc.EncodeRequest(c.cfg, req)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", method, err)
	}
	data, err := c.send(ctx, body, false)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty reply to %s", jsonrpc.ErrInvalidResponse, method)
	}
	responses, batch, err := jsonrpc.ParseResponses(c.cfg, data)
	if err != nil {
		return nil, err
	}
	if batch || len(responses) != 1 {
		return nil, fmt.Errorf("%w: expected a single response", jsonrpc.ErrInvalidResponse)
	}
	r := responses[0]
	// Faults for unparseable requests carry a null id.
	if r.Fault != nil && r.ID == nil {
		return nil, r.Fault
	}
	if r.ID != id {
		return nil, fmt.Errorf("%w: response id %v does not match request id %s", jsonrpc.ErrInvalidResponse, r.ID, id)
	}
	if r.Fault != nil {
		return nil, r.Fault
	}
	return jsonrpc.LoadValue(c.cfg, r.Result)
}

func (c *Client) notify(ctx context.Context, method string, params jsonrpc.Params) error {
	req := jsonrpc.NewNotification(c.cfg.VersionOrDefault(), method, params)
	body, err := jsonrpc.EncodeRequest(c.cfg, req)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", method, err)
	}
	_, err = c.send(ctx, body, true)
	return err
}

func (c *Client) send(ctx context.Context, body []byte, notify bool) ([]byte, error) {
	c.history.addRequest(body)
	data, err := c.t.RoundTrip(ctx, &transport.Message{Body: body, Header: c.headersFor(ctx), Notify: notify})
	if err != nil {
		c.logger.Debug("client: round trip failed", "error", err)
		return nil, err
	}
	if data != nil {
		c.history.addResponse(data)
	}
	return data, nil
}

// newID returns a fresh request id that no in-flight call uses.
func (c *Client) newID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := c.inflight[id]; !taken {
			c.inflight[id] = struct{}{}
			return id
		}
	}
}

func (c *Client) releaseID(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// decode stores v in reply. Values already of the reply's type (e.g. loaded
// classes) are assigned; others are converted through the codec.
func decode(codec jsonrpc.Codec, v any, reply any) error {
	if reply == nil {
		return nil
	}
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("client: reply must be a non-nil pointer")
	}
	if v != nil {
		vv := reflect.ValueOf(v)
		if vv.Type().AssignableTo(rv.Elem().Type()) {
			rv.Elem().Set(vv)
			return nil
		}
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: decode result: %w", err)
	}
	if err := codec.Unmarshal(data, reply); err != nil {
		return fmt.Errorf("client: decode result: %w", err)
	}
	return nil
}

// Method is a named remote method. Method names nest with dots.
type Method struct {
	c    *Client
	name string
}

// Method returns a handle for name.
func (c *Client) Method(name string) *Method {
	return &Method{c: c, name: name}
}

// Method returns a handle for the sub-method m.name + "." + name.
func (m *Method) Method(name string) *Method {
	return &Method{c: m.c, name: m.name + "." + name}
}

// Name returns the full method name.
func (m *Method) Name() string {
	return m.name
}

func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	return m.c.Call(ctx, m.name, args...)
}

func (m *Method) CallNamed(ctx context.Context, args map[string]any) (any, error) {
	return m.c.CallNamed(ctx, m.name, args)
}

func (m *Method) Invoke(ctx context.Context, params jsonrpc.Params, reply any) error {
	return m.c.Invoke(ctx, m.name, params, reply)
}

func (m *Method) Notify(ctx context.Context, args ...any) error {
	return m.c.Notify(ctx, m.name, args...)
}

func (m *Method) NotifyNamed(ctx context.Context, args map[string]any) error {
	return m.c.NotifyNamed(ctx, m.name, args)
}
