package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// DefaultMaxReplySize bounds the reply bodies read by HTTP and stream
// transports.
const DefaultMaxReplySize = 16 << 20

// HTTP posts payloads to a JSON-RPC endpoint.
type HTTP struct {
	url         string
	addr        string
	client      *http.Client
	contentType string
	userAgent   string
	tokens      oauth2.TokenSource
	maxReply    int64
	codec       jsonrpc.Codec
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests. Its Transport is
// ignored for unix+http URLs.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		t.client = c
	}
}

// WithContentType sets the request content type. Defaults to
// jsonrpc.DefaultContentType.
func WithContentType(ct string) HTTPOption {
	return func(t *HTTP) {
		t.contentType = ct
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTP) {
		t.userAgent = ua
	}
}

// WithTokenSource authorizes every request with a bearer token from ts.
func WithTokenSource(ts oauth2.TokenSource) HTTPOption {
	return func(t *HTTP) {
		t.tokens = ts
	}
}

// WithCodec sets the codec used to recognise fault bodies sent with an
// error status. Defaults to jsonrpc.DefaultCodec.
func WithCodec(c jsonrpc.Codec) HTTPOption {
	return func(t *HTTP) {
		t.codec = c
	}
}

// WithMaxReplySize bounds the reply body. Zero or less means no bound.
func WithMaxReplySize(n int64) HTTPOption {
	return func(t *HTTP) {
		t.maxReply = n
	}
}

// NewHTTP creates a transport for an http://, https:// or
// unix+http://<socket path> URL. For unix+http everything after the scheme
// is the socket path, and requests are posted to "/".
func NewHTTP(rawURL string, opts ...HTTPOption) (*HTTP, error) {
	t := &HTTP{
		contentType: jsonrpc.DefaultContentType,
		userAgent:   jsonrpc.DefaultUserAgent,
		maxReply:    DefaultMaxReplySize,
		codec:       jsonrpc.DefaultCodec,
	}
	for _, opt := range opts {
		opt(t)
	}
	base := t.client
	if base == nil {
		base = &http.Client{}
	}

	switch {
	case strings.HasPrefix(rawURL, "unix+http://"):
		path := strings.TrimPrefix(rawURL, "unix+http://")
		if path == "" {
			return nil, errors.New("transport: unix+http URL has no socket path")
		}
		t.url = "http://unix/"
		t.addr = "unix:" + path
		c := *base
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		base = &c
	default:
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		t.url = u.String()
		t.addr = u.Redacted()
	}

	if t.tokens != nil {
		c := *base
		c.Transport = &oauth2.Transport{Source: t.tokens, Base: c.Transport}
		base = &c
	}
	t.client = base
	return t, nil
}

// URL returns the endpoint requests are posted to.
func (t *HTTP) URL() string {
	return t.url
}

// RoundTrip posts m. An error status is returned as a reply only when its
// body holds JSON-RPC fault responses, since servers send faults that way.
// Any other error status is reported as *Error.
func (t *HTTP) RoundTrip(ctx context.Context, m *Message) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(m.Body))
	if err != nil {
		return nil, &Error{Op: "post", Addr: t.addr, Err: err}
	}
	for k, vs := range m.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", t.contentType)
	req.Header.Set("Accept", t.contentType)
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "post", Addr: t.addr, Err: err}
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if t.maxReply > 0 {
		body = io.LimitReader(resp.Body, t.maxReply+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &Error{Op: "read", Addr: t.addr, StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header, Err: err}
	}
	if t.maxReply > 0 && int64(len(data)) > t.maxReply {
		return nil, &Error{Op: "read", Addr: t.addr, StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header,
			Err: fmt.Errorf("reply exceeds %d bytes", t.maxReply)}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && (!isPayloadType(resp.Header.Get("Content-Type")) || !t.isFaultPayload(data)) {
		return nil, &Error{Op: "post", Addr: t.addr, StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header}
	}
	if m.Notify || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return data, nil
}

// Close releases idle connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// isFaultPayload reports whether data is a response, or a batch of them,
// carrying an error object with a numeric code.
func (t *HTTP) isFaultPayload(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var raw any
	if err := t.codec.Unmarshal(data, &raw); err != nil {
		return false
	}
	members, ok := raw.([]any)
	if !ok {
		members = []any{raw}
	}
	if len(members) == 0 {
		return false
	}
	for _, m := range members {
		obj, ok := m.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj["id"]; !ok {
			return false
		}
		if errObj, ok := obj["error"].(map[string]any); ok && isNumber(errObj["code"]) {
			continue
		}
		if _, ok := obj["result"]; !ok {
			return false
		}
	}
	return true
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isPayloadType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", "application/json-rpc", "application/jsonrequest", "application/cbor":
		return true
	}
	return strings.HasSuffix(mt, "+json")
}
