package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Handler is an invocable method. Params arrive exactly as decoded; a
// handler that cannot use them returns an error wrapping ErrInvalidParams or
// a *Fault.
type Handler interface {
	Call(ctx context.Context, params Params) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

func (f HandlerFunc) Call(ctx context.Context, params Params) (any, error) {
	return f(ctx, params)
}

var (
	contextType     = reflect.TypeFor[context.Context]()
	errorType       = reflect.TypeFor[error]()
	unmarshalerType = reflect.TypeFor[json.Unmarshaler]()
)

// funcHandler binds decoded params to an ordinary Go function.
type funcHandler struct {
	fn        reflect.Value
	hasCtx    bool
	in        []reflect.Type // declared params, excluding ctx
	names     []string
	variadic  bool
	hasResult bool
	hasErr    bool

	// A single struct param receives positional params field by field and
	// keyed params by json name.
	structMode bool
	fields     []structField
}

type structField struct {
	index    int
	name     string
	optional bool
}

// Func wraps fn as a Handler. fn may take a leading context.Context and
// must return one of (), (T), (error) or (T, error).
//
// names declares the parameter names used for keyed calls; without names
// only positional calls are accepted, unless fn takes a context and a single
// struct parameter, in which case the struct fields are the parameters:
//
//	type AddParams struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//	h, _ := jsonrpc.Func(func(ctx context.Context, p AddParams) (int, error) { ... })
//
// Variadic functions accept positional params only.
func Func(fn any, names ...string) (Handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidHandler, fn)
	}
	t := v.Type()
	h := &funcHandler{fn: v, variadic: t.IsVariadic()}

	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		h.hasCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		h.in = append(h.in, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			h.hasErr = true
		} else {
			h.hasResult = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("%w: %s: second result must be error", ErrInvalidHandler, t)
		}
		h.hasResult, h.hasErr = true, true
	default:
		return nil, fmt.Errorf("%w: %s: too many results", ErrInvalidHandler, t)
	}

	if len(names) > 0 {
		if h.variadic {
			return nil, fmt.Errorf("%w: %s: variadic functions take positional params only", ErrInvalidHandler, t)
		}
		if len(names) != len(h.in) {
			return nil, fmt.Errorf("%w: %s: %d names for %d params", ErrInvalidHandler, t, len(names), len(h.in))
		}
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if n == "" || seen[n] {
				return nil, fmt.Errorf("%w: %s: bad param name %q", ErrInvalidHandler, t, n)
			}
			seen[n] = true
		}
		h.names = names
	} else if h.hasCtx && !h.variadic && len(h.in) == 1 && isParamStruct(h.in[0]) {
		h.structMode = true
		h.fields = structFields(h.in[0])
	}
	return h, nil
}

// MustFunc is like Func but panics on error.
func MustFunc(fn any, names ...string) Handler {
	h, err := Func(fn, names...)
	if err != nil {
		panic(err)
	}
	return h
}

func isParamStruct(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && !reflect.PointerTo(t).Implements(unmarshalerType)
}

func structFields(t reflect.Type) []structField {
	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "_" || !f.IsExported() {
			continue
		}
		name := f.Name
		optional := f.Type.Kind() == reflect.Pointer
		if tag := f.Tag.Get("json"); tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					optional = true
				}
			}
		}
		fields = append(fields, structField{index: i, name: name, optional: optional})
	}
	return fields
}

func (h *funcHandler) Call(ctx context.Context, p Params) (any, error) {
	codec := configFromContext(ctx).codec()
	args, err := h.bind(codec, p)
	if err != nil {
		return nil, err
	}
	if h.hasCtx {
		args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	}
	out := h.fn.Call(args)

	var result any
	if h.hasResult {
		result = out[0].Interface()
	}
	if h.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	return result, nil
}

func (h *funcHandler) bind(codec Codec, p Params) ([]reflect.Value, error) {
	if h.structMode {
		return h.bindStruct(codec, p)
	}
	if p.IsNamed() {
		return h.bindNamed(codec, p.Named)
	}

	n := len(p.Positional)
	fixed := len(h.in)
	if h.variadic {
		fixed--
		if n < fixed {
			return nil, invalidParamsf("expected at least %d params, got %d", fixed, n)
		}
	} else if n != fixed {
		return nil, invalidParamsf("expected %d params, got %d", fixed, n)
	}

	args := make([]reflect.Value, 0, n)
	for i, v := range p.Positional {
		t := h.variadicAware(i, fixed)
		a, err := convert(codec, v, t)
		if err != nil {
			return nil, invalidParamsf("param %d: %v", i, err)
		}
		args = append(args, a)
	}
	return args, nil
}

func (h *funcHandler) variadicAware(i, fixed int) reflect.Type {
	if h.variadic && i >= fixed {
		return h.in[fixed].Elem()
	}
	return h.in[i]
}

func (h *funcHandler) bindNamed(codec Codec, named map[string]any) ([]reflect.Value, error) {
	if len(h.names) == 0 {
		if len(named) == 0 && len(h.in) == 0 {
			return nil, nil
		}
		return nil, invalidParamsf("method takes positional params only")
	}
	for k := range named {
		if h.indexOf(k) < 0 {
			return nil, invalidParamsf("unexpected param %q", k)
		}
	}
	args := make([]reflect.Value, len(h.in))
	for i, name := range h.names {
		v, ok := named[name]
		if !ok {
			if h.in[i].Kind() == reflect.Pointer {
				args[i] = reflect.Zero(h.in[i])
				continue
			}
			return nil, invalidParamsf("missing param %q", name)
		}
		a, err := convert(codec, v, h.in[i])
		if err != nil {
			return nil, invalidParamsf("param %q: %v", name, err)
		}
		args[i] = a
	}
	return args, nil
}

func (h *funcHandler) indexOf(name string) int {
	for i, n := range h.names {
		if n == name {
			return i
		}
	}
	return -1
}

func (h *funcHandler) bindStruct(codec Codec, p Params) ([]reflect.Value, error) {
	pv := reflect.New(h.in[0]).Elem()
	if p.IsNamed() {
		for k, v := range p.Named {
			f, ok := h.field(k)
			if !ok {
				return nil, invalidParamsf("unexpected param %q", k)
			}
			a, err := convert(codec, v, pv.Field(f.index).Type())
			if err != nil {
				return nil, invalidParamsf("param %q: %v", k, err)
			}
			pv.Field(f.index).Set(a)
		}
		for _, f := range h.fields {
			if _, ok := p.Named[f.name]; !ok && !f.optional {
				return nil, invalidParamsf("missing param %q", f.name)
			}
		}
		return []reflect.Value{pv}, nil
	}

	if len(p.Positional) != len(h.fields) {
		return nil, invalidParamsf("expected %d params, got %d", len(h.fields), len(p.Positional))
	}
	for i, v := range p.Positional {
		field := pv.Field(h.fields[i].index)
		a, err := convert(codec, v, field.Type())
		if err != nil {
			return nil, invalidParamsf("param %d: %v", i, err)
		}
		field.Set(a)
	}
	return []reflect.Value{pv}, nil
}

func (h *funcHandler) field(name string) (structField, bool) {
	for _, f := range h.fields {
		if f.name == name {
			return f, true
		}
	}
	return structField{}, false
}

// convert assigns v to a value of type t, going through codec when the
// decoded type does not fit directly.
func convert(codec Codec, v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	if t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()) {
		p := reflect.New(t.Elem())
		p.Elem().Set(rv)
		return p, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return reflect.Value{}, err
	}
	p := reflect.New(t)
	if err := codec.Unmarshal(data, p.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return p.Elem(), nil
}

// Describe reports the parameter names and Go types of the function.
func (h *funcHandler) Describe() MethodInfo {
	info := MethodInfo{Signature: []string{"nil"}}
	if h.hasResult {
		info.Signature[0] = h.fn.Type().Out(0).String()
	}
	switch {
	case h.structMode:
		st := h.in[0]
		for _, f := range h.fields {
			info.Params = append(info.Params, f.name)
			info.Signature = append(info.Signature, st.Field(f.index).Type.String())
		}
	default:
		for i, t := range h.in {
			name := fmt.Sprintf("arg%d", i)
			if i < len(h.names) {
				name = h.names[i]
			}
			if h.variadic && i == len(h.in)-1 {
				name += "..."
			}
			info.Params = append(info.Params, name)
			info.Signature = append(info.Signature, t.String())
		}
	}
	return info
}
