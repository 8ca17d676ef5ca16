package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidResponse is returned by ParseResponses for payloads that are not
// well-formed responses.
var ErrInvalidResponse = errors.New("jsonrpc: invalid response")

// Params holds call arguments, either by position or by name. The zero value
// is an empty positional list.
type Params struct {
	Positional []any
	Named      map[string]any
}

// ByPosition returns positional params.
func ByPosition(args ...any) Params {
	if len(args) == 0 {
		return Params{}
	}
	return Params{Positional: args}
}

// ByName returns keyed params. A nil map is an empty keyed list.
func ByName(args map[string]any) Params {
	if args == nil {
		args = map[string]any{}
	}
	return Params{Named: args}
}

// IsNamed reports whether the params are keyed.
func (p Params) IsNamed() bool {
	return p.Named != nil
}

// Len returns the number of arguments.
func (p Params) Len() int {
	if p.Named != nil {
		return len(p.Named)
	}
	return len(p.Positional)
}

// Request is a call or a notification. Build one with NewRequest or
// NewNotification and treat it as read-only afterwards.
//
// Param values keep the codec's representation: numbers decoded by
// JSONCodec are json.Number, and CBORCodec yields int64, uint64 or float64.
// A Request built with Go ints therefore decodes to equal numbers of a
// different type. IDs are normalised to int64, float64 or string on both
// sides.
type Request struct {
	Version      Version
	ID           any
	Method       string
	Params       Params
	Notification bool
}

// NewRequest creates a call. A nil or empty-string id makes a notification.
func NewRequest(v Version, id any, method string, params Params) *Request {
	id = normalizeID(id)
	if id == nil || id == "" {
		return NewNotification(v, method, params)
	}
	return &Request{Version: v, ID: id, Method: method, Params: params}
}

// NewNotification creates a request that expects no reply.
func NewNotification(v Version, method string, params Params) *Request {
	return &Request{Version: v, Method: method, Params: params, Notification: true}
}

// Response answers exactly one call. Exactly one of Result and Fault is
// meaningful: Fault non-nil means failure.
type Response struct {
	Version Version
	ID      any
	Result  any
	Fault   *Fault
}

// Err returns the response fault as an error, or nil.
func (r *Response) Err() error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault
}

func resultResponse(v Version, id, result any) *Response {
	return &Response{Version: v, ID: id, Result: result}
}

func faultResponse(v Version, id any, f *Fault) *Response {
	return &Response{Version: v, ID: id, Fault: f}
}

func invalidRequest(v Version, id any, detail string) *Response {
	return faultResponse(v, id, &Fault{Code: CodeInvalidRequest, Message: "Invalid Request", Data: detail})
}

// EncodeRequest encodes a single request. A request without a version uses
// the configured one.
func EncodeRequest(cfg *Config, r *Request) ([]byte, error) {
	m, err := requestWire(cfg, r)
	if err != nil {
		return nil, err
	}
	return cfg.codec().Marshal(m)
}

// EncodeBatch encodes requests as one batch payload.
func EncodeBatch(cfg *Config, reqs []*Request) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, errors.New("jsonrpc: empty batch")
	}
	batch := make([]any, 0, len(reqs))
	for _, r := range reqs {
		m, err := requestWire(cfg, r)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	return cfg.codec().Marshal(batch)
}

func requestWire(cfg *Config, r *Request) (map[string]any, error) {
	v := r.Version
	if v == "" {
		v = cfg.version()
	}
	if r.Method == "" {
		return nil, errors.New("jsonrpc: request without method")
	}
	params, err := dumpParams(cfg, r.Params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: %s: %w", r.Method, err)
	}
	m := map[string]any{"method": r.Method}
	switch v {
	case V1:
		if r.Params.IsNamed() {
			return nil, fmt.Errorf("jsonrpc: %s: keyed params require version 2.0", r.Method)
		}
		m["params"] = params
		if r.Notification {
			m["id"] = nil
		} else {
			m["id"] = r.ID
		}
	case V2:
		m["jsonrpc"] = string(V2)
		if r.Params.Len() > 0 || r.Params.IsNamed() {
			m["params"] = params
		}
		if !r.Notification {
			m["id"] = r.ID
		}
	default:
		return nil, fmt.Errorf("jsonrpc: unsupported version %q", v)
	}
	return m, nil
}

func dumpParams(cfg *Config, p Params) (any, error) {
	if p.Named != nil {
		out := make(map[string]any, len(p.Named))
		for k, v := range p.Named {
			d, err := DumpValue(cfg, v)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	}
	out := make([]any, 0, len(p.Positional))
	for _, v := range p.Positional {
		d, err := DumpValue(cfg, v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DumpValue passes v through the class marshaller when classes are enabled.
func DumpValue(cfg *Config, v any) (any, error) {
	if cm := cfg.classes(); cm != nil {
		return cm.Dump(v)
	}
	return v, nil
}

// LoadValue rebuilds class-tagged values when classes are enabled.
func LoadValue(cfg *Config, v any) (any, error) {
	if cm := cfg.classes(); cm != nil {
		return cm.Load(v)
	}
	return v, nil
}

// EncodeResponse encodes a single response.
func EncodeResponse(cfg *Config, r *Response) ([]byte, error) {
	m, err := responseWire(cfg, r)
	if err != nil {
		return nil, err
	}
	return cfg.codec().Marshal(m)
}

// EncodeResponses encodes responses as a batch payload.
func EncodeResponses(cfg *Config, rs []*Response) ([]byte, error) {
	batch := make([]any, 0, len(rs))
	for _, r := range rs {
		m, err := responseWire(cfg, r)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	return cfg.codec().Marshal(batch)
}

func responseWire(cfg *Config, r *Response) (map[string]any, error) {
	v := r.Version
	if v == "" {
		v = cfg.version()
	}
	m := map[string]any{"id": r.ID}
	if v == V2 {
		m["jsonrpc"] = string(V2)
	}
	if r.Fault != nil {
		m["error"] = r.Fault.wire()
		if v == V1 {
			m["result"] = nil
		}
		return m, nil
	}
	result, err := dumpResult(cfg, r.Result)
	if err != nil {
		return nil, err
	}
	m["result"] = result
	if v == V1 {
		m["error"] = nil
	}
	return m, nil
}

// dumpResult is DumpValue with panics from class serializers reported as
// errors.
func dumpResult(cfg *Config, v any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("jsonrpc: dump result: panic: %v", p)
		}
	}()
	return DumpValue(cfg, v)
}

// Payload is a decoded inbound message: one request or a batch.
type Payload struct {
	Batch   bool
	Members []Member
}

// Member is one decoded payload entry. Exactly one field is set: Fault holds
// the ready-made response for an entry that failed validation.
type Member struct {
	Request *Request
	Fault   *Response
}

// Requests returns the valid requests of the payload in order.
func (p *Payload) Requests() []*Request {
	out := make([]*Request, 0, len(p.Members))
	for _, m := range p.Members {
		if m.Request != nil {
			out = append(out, m.Request)
		}
	}
	return out
}

// Faults returns the responses for invalid members.
func (p *Payload) Faults() []*Response {
	var out []*Response
	for _, m := range p.Members {
		if m.Fault != nil {
			out = append(out, m.Fault)
		}
	}
	return out
}

// ParsePayload decodes inbound bytes. It never panics: undecodable input
// yields a parse-error response with a null id, and each batch member is
// validated on its own so one bad member does not reject its siblings.
func ParsePayload(cfg *Config, data []byte) (*Payload, *Response) {
	var raw any
	if err := cfg.codec().Unmarshal(data, &raw); err != nil {
		return nil, faultResponse(cfg.version(), nil, &Fault{Code: CodeParseError, Message: "Parse error", Data: err.Error()})
	}
	switch v := raw.(type) {
	case []any:
		p := &Payload{Batch: true, Members: make([]Member, 0, len(v))}
		for _, e := range v {
			p.Members = append(p.Members, parseMember(cfg, e))
		}
		return p, nil
	case map[string]any:
		return &Payload{Members: []Member{parseMember(cfg, v)}}, nil
	}
	return nil, invalidRequest(cfg.version(), nil, "payload must be an object or an array")
}

func parseMember(cfg *Config, raw any) Member {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Member{Fault: invalidRequest(cfg.version(), nil, "request must be an object")}
	}
	rawID, hasID := obj["id"]
	id, idOK := scalarID(rawID)
	echo := id
	if !idOK {
		echo = nil
	}

	var v Version
	if tag, ok := obj["jsonrpc"]; ok {
		if s, _ := tag.(string); s != string(V2) {
			return Member{Fault: invalidRequest(cfg.version(), echo, fmt.Sprintf("unsupported jsonrpc version %v", tag))}
		}
		v = V2
	} else if hasID {
		v = V1
	} else {
		return Member{Fault: invalidRequest(cfg.version(), nil, "missing jsonrpc version")}
	}
	rv := cfg.responseVersion(v)

	if !idOK {
		return Member{Fault: invalidRequest(rv, nil, "id must be a string, a number or null")}
	}
	method, ok := obj["method"].(string)
	if !ok || method == "" {
		return Member{Fault: invalidRequest(rv, echo, "method must be a non-empty string")}
	}
	params, msg := parseParams(v, obj)
	if msg != "" {
		return Member{Fault: invalidRequest(rv, echo, msg)}
	}

	req := &Request{Version: v, ID: id, Method: method, Params: params}
	if !hasID || isNotificationID(cfg, id) {
		req.ID = nil
		req.Notification = true
	}
	return Member{Request: req}
}

func parseParams(v Version, obj map[string]any) (Params, string) {
	raw, ok := obj["params"]
	if !ok {
		return Params{}, ""
	}
	switch p := raw.(type) {
	case []any:
		if len(p) == 0 {
			return Params{}, ""
		}
		return Params{Positional: p}, ""
	case map[string]any:
		if v == V1 {
			return Params{}, "keyed params require version 2.0"
		}
		return Params{Named: p}, ""
	case nil:
		return Params{}, "params must not be null"
	}
	return Params{}, "params must be an array or an object"
}

func isNotificationID(cfg *Config, id any) bool {
	switch id := id.(type) {
	case nil:
		return true
	case string:
		return id == ""
	case int64:
		return id == 0 && cfg != nil && cfg.ZeroIDIsNotification
	case float64:
		return id == 0 && cfg != nil && cfg.ZeroIDIsNotification
	}
	return false
}

// scalarID normalizes a decoded id and reports whether it is a legal id
// value (string, number or null).
func scalarID(v any) (any, bool) {
	switch v.(type) {
	case nil, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return normalizeID(v), true
	}
	return nil, false
}

// normalizeID maps numeric ids onto int64 (or float64 when not integral) so
// that ids compare equal regardless of the codec that decoded them.
func normalizeID(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return string(n)
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return normalizeID(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return n
		}
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

// ParseResponses decodes a client-side payload. batch reports whether the
// payload was an array.
func ParseResponses(cfg *Config, data []byte) (responses []*Response, batch bool, err error) {
	var raw any
	if err := cfg.codec().Unmarshal(data, &raw); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch v := raw.(type) {
	case []any:
		responses = make([]*Response, 0, len(v))
		for _, e := range v {
			r, err := parseResponse(e)
			if err != nil {
				return nil, true, err
			}
			responses = append(responses, r)
		}
		return responses, true, nil
	case map[string]any:
		r, err := parseResponse(v)
		if err != nil {
			return nil, false, err
		}
		return []*Response{r}, false, nil
	}
	return nil, false, fmt.Errorf("%w: payload must be an object or an array", ErrInvalidResponse)
}

func parseResponse(raw any) (*Response, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response must be an object", ErrInvalidResponse)
	}
	v := V1
	if tag, ok := obj["jsonrpc"]; ok {
		s, _ := tag.(string)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f > 2.0 {
			return nil, fmt.Errorf("%w: unsupported jsonrpc version %v", ErrInvalidResponse, tag)
		}
		if f == 2.0 {
			v = V2
		}
	}
	result, hasResult := obj["result"]
	errVal, hasError := obj["error"]
	if !hasResult && !hasError {
		return nil, fmt.Errorf("%w: neither result nor error present", ErrInvalidResponse)
	}
	id, _ := scalarID(obj["id"])
	if hasError && errVal != nil {
		return faultResponse(v, id, faultFromWire(errVal)), nil
	}
	return resultResponse(v, id, result), nil
}

func faultFromWire(v any) *Fault {
	obj, ok := v.(map[string]any)
	if !ok {
		return &Fault{Code: CodeServerError, Message: fmt.Sprint(v), Data: v}
	}
	f := &Fault{Code: CodeServerError, Data: obj["data"]}
	if code, ok := toInt(obj["code"]); ok {
		f.Code = code
	}
	if msg, ok := obj["message"].(string); ok {
		f.Message = msg
	} else if m, ok := obj["message"]; ok {
		f.Message = fmt.Sprint(m)
	}
	return f
}

func toInt(v any) (int, bool) {
	switch n := normalizeID(v).(type) {
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}
