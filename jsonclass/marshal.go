package jsonclass

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Dump converts v to a value built only from maps, slices and scalars,
// tagging registered types. *Registry satisfies jsonrpc.ClassMarshaller.
func (r *Registry) Dump(v any) (any, error) {
	return r.dump(reflect.ValueOf(v), 0)
}

func (r *Registry) dump(v reflect.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	if !v.IsValid() {
		return nil, nil
	}
	if h, ok := r.handler(v.Type()); ok && v.CanInterface() {
		return h(v.Interface())
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return r.dump(v.Elem(), depth+1)
	}

	for _, t := range r.translatorList() {
		tagged, ok, err := t.Dump(r, v)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.dumpTagged(tagged, depth)
		}
	}

	if v.Type().Implements(jsonMarshalerType) || reflect.PointerTo(v.Type()).Implements(jsonMarshalerType) {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		return r.dumpList(v, depth)
	case reflect.Array:
		return r.dumpList(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			d, err := r.dump(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[mapKey(iter.Key())] = d
		}
		return out, nil
	case reflect.Struct:
		return r.dumpAttrs(r.attrsOf(v), depth)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("jsonclass: cannot dump %s", v.Type())
	}
	return v.Interface(), nil
}

func (r *Registry) dumpList(v reflect.Value, depth int) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		d, err := r.dump(v.Index(i), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (r *Registry) dumpAttrs(attrs map[string]any, depth int) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for k, a := range attrs {
		if r.isIgnored(k) {
			continue
		}
		d, err := r.dump(reflect.ValueOf(a), depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

func (r *Registry) dumpTagged(t Tagged, depth int) (any, error) {
	args := make([]any, len(t.Args))
	for i, a := range t.Args {
		d, err := r.dump(reflect.ValueOf(a), depth+1)
		if err != nil {
			return nil, err
		}
		args[i] = d
	}
	attrs, err := r.dumpAttrs(t.Attrs, depth)
	if err != nil {
		return nil, err
	}
	return Tagged{Class: t.Class, Args: args, Attrs: attrs}.wire(), nil
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

// Load rebuilds tagged values inside v. Untagged maps and slices are copied
// with their elements loaded; scalars are returned unchanged. A tag naming an
// unregistered class yields a *ClassError wrapping ErrUnknownClass.
func (r *Registry) Load(v any) (any, error) {
	return r.load(v, 0)
}

func (r *Registry) load(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			l, err := r.load(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = l
		}
		return out, nil
	case map[string]any:
		raw, tagged := v[TagKey]
		if !tagged {
			out := make(map[string]any, len(v))
			for k, e := range v {
				l, err := r.load(e, depth+1)
				if err != nil {
					return nil, err
				}
				out[k] = l
			}
			return out, nil
		}
		return r.loadTagged(raw, v, depth)
	}
	return v, nil
}

func (r *Registry) loadTagged(raw any, obj map[string]any, depth int) (any, error) {
	t, err := parseTag(raw)
	if err != nil {
		return nil, err
	}
	for i, a := range t.Args {
		l, err := r.load(a, depth+1)
		if err != nil {
			return nil, err
		}
		t.Args[i] = l
	}
	t.Attrs = make(map[string]any, len(obj)-1)
	for k, a := range obj {
		if k == TagKey || r.isIgnored(k) {
			continue
		}
		l, err := r.load(a, depth+1)
		if err != nil {
			return nil, err
		}
		t.Attrs[k] = l
	}

	for _, tr := range r.translatorList() {
		v, ok, err := tr.Load(r, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
	return nil, &ClassError{Class: t.Class, Err: ErrUnknownClass}
}

func parseTag(raw any) (Tagged, error) {
	arr, ok := raw.([]any)
	if !ok || len(arr) < 1 || len(arr) > 2 {
		return Tagged{}, &ClassError{Err: ErrMalformed}
	}
	name, ok := arr[0].(string)
	if !ok || name == "" {
		return Tagged{}, &ClassError{Err: ErrMalformed}
	}
	t := Tagged{Class: name}
	if len(arr) == 2 && arr[1] != nil {
		args, ok := arr[1].([]any)
		if !ok {
			return Tagged{}, &ClassError{Class: name, Err: ErrMalformed}
		}
		t.Args = append([]any(nil), args...)
	}
	return t, nil
}

type field struct {
	index     int
	name      string
	omitEmpty bool
}

func fieldsOf(t reflect.Type) []field {
	var fields []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fd := field{index: i, name: f.Name}
		if tag := f.Tag.Get("json"); tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				fd.name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					fd.omitEmpty = true
				}
			}
		}
		fields = append(fields, fd)
	}
	return fields
}

func (r *Registry) attrsOf(v reflect.Value) map[string]any {
	attrs := make(map[string]any)
	for _, f := range fieldsOf(v.Type()) {
		fv := v.Field(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		attrs[f.name] = fv.Interface()
	}
	return attrs
}

// setAttrs assigns attribute values to the matching fields of the
// addressable struct target. Unknown attributes are skipped.
func (r *Registry) setAttrs(target reflect.Value, attrs map[string]any) error {
	fields := fieldsOf(target.Type())
	for k, a := range attrs {
		if r.isIgnored(k) {
			continue
		}
		for _, f := range fields {
			if f.name != k {
				continue
			}
			fv := target.Field(f.index)
			cv, err := convertTo(a, fv.Type())
			if err != nil {
				return fmt.Errorf("attribute %q: %w", k, err)
			}
			fv.Set(cv)
			break
		}
	}
	return nil
}

var setType = reflect.TypeFor[Set]()

// convertTo fits a loaded value into type t.
func convertTo(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	case t.Kind() == reflect.Pointer && rv.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(rv)
		return p, nil
	case rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Type().AssignableTo(t):
		return rv.Elem(), nil
	case rv.Type() == setType && isSetType(t):
		out := reflect.MakeMapWithSize(t, rv.Len())
		for _, k := range rv.MapKeys() {
			kv, err := convertTo(k.Interface(), t.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(kv, reflect.New(t.Elem()).Elem())
		}
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, err
	}
	p := reflect.New(t)
	if err := json.Unmarshal(data, p.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return p.Elem(), nil
}

// Arg converts constructor argument i to T. Constructors use it to accept
// arguments regardless of the codec that decoded them.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, fmt.Errorf("missing constructor argument %d", i)
	}
	v, err := convertTo(args[i], reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("constructor argument %d: %w", i, err)
	}
	out, _ := v.Interface().(T)
	return out, nil
}
