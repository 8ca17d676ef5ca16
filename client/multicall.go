package client

import (
	"context"
	"fmt"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// MultiCall collects calls and notifications and sends them as one batch.
// Batches are a 2.0 feature, so the batch is framed as 2.0 whatever the
// client version.
type MultiCall struct {
	c       *Client
	pending []pendingCall
}

type pendingCall struct {
	method string
	params jsonrpc.Params
	notify bool
}

// MultiCall starts an empty batch.
func (c *Client) MultiCall() *MultiCall {
	return &MultiCall{c: c}
}

// Call adds a call with positional args.
func (m *MultiCall) Call(method string, args ...any) *MultiCall {
	m.pending = append(m.pending, pendingCall{method: method, params: jsonrpc.ByPosition(args...)})
	return m
}

// CallNamed adds a call with keyed args.
func (m *MultiCall) CallNamed(method string, args map[string]any) *MultiCall {
	m.pending = append(m.pending, pendingCall{method: method, params: jsonrpc.ByName(args)})
	return m
}

// Notify adds a notification.
func (m *MultiCall) Notify(method string, args ...any) *MultiCall {
	m.pending = append(m.pending, pendingCall{method: method, params: jsonrpc.ByPosition(args...), notify: true})
	return m
}

// Len returns the number of queued requests.
func (m *MultiCall) Len() int {
	return len(m.pending)
}

// Result is the outcome of one call in a batch.
type Result struct {
	Method string
	Value  any
	Err    error

	codec jsonrpc.Codec
}

// Decode stores the value in reply, or returns the call's error.
func (r Result) Decode(reply any) error {
	if r.Err != nil {
		return r.Err
	}
	return decode(r.codec, r.Value, reply)
}

// Run sends the batch and returns one Result per call, in the order the
// calls were added. Notifications have no result. An empty batch sends
// nothing. The error is set only when the batch as a whole failed.
func (m *MultiCall) Run(ctx context.Context) ([]Result, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	reqs := make([]*jsonrpc.Request, len(m.pending))
	var ids []string
	for i, p := range m.pending {
		if p.notify {
			reqs[i] = jsonrpc.NewNotification(jsonrpc.V2, p.method, p.params)
			continue
		}
		id := m.c.newID()
		ids = append(ids, id)
		reqs[i] = jsonrpc.NewRequest(jsonrpc.V2, id, p.method, p.params)
	}
	defer func() {
		for _, id := range ids {
			m.c.releaseID(id)
		}
	}()

	cfg := m.c.cfg
	body, err := jsonrpc.EncodeBatch(cfg, reqs)
	if err != nil {
		return nil, fmt.Errorf("client: encode batch: %w", err)
	}
	data, err := m.c.send(ctx, body, len(ids) == 0)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty reply to batch", jsonrpc.ErrInvalidResponse)
	}
	responses, batch, err := jsonrpc.ParseResponses(cfg, data)
	if err != nil {
		return nil, err
	}
	// A rejected batch is answered with a single fault.
	if !batch {
		if len(responses) == 1 && responses[0].Fault != nil {
			return nil, responses[0].Fault
		}
		return nil, fmt.Errorf("%w: expected a batch response", jsonrpc.ErrInvalidResponse)
	}

	byID := make(map[string]*jsonrpc.Response, len(responses))
	for _, r := range responses {
		if id, ok := r.ID.(string); ok {
			byID[id] = r
		}
	}
	results := make([]Result, 0, len(ids))
	for _, req := range reqs {
		if req.Notification {
			continue
		}
		res := Result{Method: req.Method, codec: cfg.CodecOrDefault()}
		r, ok := byID[req.ID.(string)]
		switch {
		case !ok:
			res.Err = fmt.Errorf("%w: no response for %s", jsonrpc.ErrInvalidResponse, req.Method)
		case r.Fault != nil:
			res.Err = r.Fault
		default:
			res.Value, res.Err = jsonrpc.LoadValue(cfg, r.Result)
		}
		results = append(results, res)
	}
	return results, nil
}
