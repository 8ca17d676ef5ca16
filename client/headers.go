package client

import (
	"context"
	"net/http"
	"slices"
)

// readOnlyHeaders are set by the transport and cannot be overridden.
var readOnlyHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
}

func normalizeHeaders(h map[string]string) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		k = http.CanonicalHeaderKey(k)
		if readOnlyHeaders[k] {
			continue
		}
		out.Set(k, v)
	}
	return out
}

type headersKey struct{}

// scopes returns the header layers carried by ctx, outermost first.
func scopes(ctx context.Context) []http.Header {
	layers, _ := ctx.Value(headersKey{}).([]http.Header)
	return layers
}

// WithHeaders runs fn with headers added to every request made with the
// context fn receives. Scopes nest through that context: inner values
// replace outer ones for the same key. Calls made with any other context,
// including from other goroutines, do not see the scope. Content-Type and
// Content-Length are ignored.
func (c *Client) WithHeaders(ctx context.Context, headers map[string]string, fn func(ctx context.Context) error) error {
	layers := append(slices.Clip(scopes(ctx)), normalizeHeaders(headers))
	return fn(context.WithValue(ctx, headersKey{}, layers))
}

// headersFor merges the client defaults and the scopes of ctx, innermost
// last.
func (c *Client) headersFor(ctx context.Context) http.Header {
	layers := scopes(ctx)
	if len(layers) == 0 && len(c.defaults) == 0 {
		return nil
	}
	out := c.defaults.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range layers {
		for k, vs := range h {
			out[k] = vs
		}
	}
	return out
}
