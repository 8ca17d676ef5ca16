package jsonclass

import (
	"fmt"
	"reflect"
	"slices"
)

// Tagged is the decoded form of a class-tagged object.
type Tagged struct {
	Class string
	Args  []any
	Attrs map[string]any
}

func (t Tagged) wire() map[string]any {
	m := make(map[string]any, len(t.Attrs)+1)
	for k, v := range t.Attrs {
		m[k] = v
	}
	args := t.Args
	if args == nil {
		args = []any{}
	}
	m[TagKey] = []any{t.Class, args}
	return m
}

// Translator converts one family of values to and from the tagged form.
//
// Dump receives a non-pointer value and returns its class, constructor
// arguments and attributes as plain Go values; the registry dumps those
// recursively. Load receives a Tagged whose args and attributes are already
// loaded. Both report ok=false for values they do not handle.
type Translator interface {
	Dump(r *Registry, v reflect.Value) (t Tagged, ok bool, err error)
	Load(r *Registry, t Tagged) (v any, ok bool, err error)
}

// serializerTranslator handles registered types built by a Constructor.
type serializerTranslator struct{}

func (serializerTranslator) Dump(r *Registry, v reflect.Value) (Tagged, bool, error) {
	c, ok := r.classOf(v.Type())
	if !ok || c.ctor == nil {
		return Tagged{}, false, nil
	}
	s, ok := asSerializer(v)
	if !ok {
		return Tagged{}, false, nil
	}
	args, attrs := s.SerializeClass()
	return Tagged{Class: c.name, Args: args, Attrs: attrs}, true, nil
}

func (serializerTranslator) Load(r *Registry, t Tagged) (any, bool, error) {
	c, ok := r.classNamed(t.Class)
	if !ok || c.ctor == nil {
		return nil, false, nil
	}
	v, err := c.ctor(t.Args)
	if err != nil {
		return nil, true, &ClassError{Class: t.Class, Err: err}
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, true, &ClassError{Class: t.Class, Err: fmt.Errorf("constructor returned nil")}
	}
	// Work on an addressable copy so attributes can be applied.
	target := reflect.New(c.typ)
	switch {
	case rv.Type() == c.typ:
		target.Elem().Set(rv)
	case rv.Type() == reflect.PointerTo(c.typ) && !rv.IsNil():
		target = rv
	default:
		return nil, true, &ClassError{Class: t.Class, Err: fmt.Errorf("constructor returned %s, want %s", rv.Type(), c.typ)}
	}
	if c.typ.Kind() == reflect.Struct {
		if err := r.setAttrs(target.Elem(), t.Attrs); err != nil {
			return nil, true, &ClassError{Class: t.Class, Err: err}
		}
	}
	return c.result(target), true, nil
}

func asSerializer(v reflect.Value) (Serializer, bool) {
	if v.CanInterface() {
		if s, ok := v.Interface().(Serializer); ok {
			return s, true
		}
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	s, ok := p.Interface().(Serializer)
	return s, ok
}

// enumTranslator handles registered named basic types.
type enumTranslator struct{}

func (enumTranslator) Dump(r *Registry, v reflect.Value) (Tagged, bool, error) {
	c, ok := r.classOf(v.Type())
	if !ok || c.ctor != nil || !isBasic(v.Kind()) {
		return Tagged{}, false, nil
	}
	return Tagged{Class: c.name, Args: []any{basicValue(v)}}, true, nil
}

func (enumTranslator) Load(r *Registry, t Tagged) (any, bool, error) {
	c, ok := r.classNamed(t.Class)
	if !ok || c.ctor != nil || !isBasic(c.typ.Kind()) {
		return nil, false, nil
	}
	if len(t.Args) != 1 {
		return nil, true, &ClassError{Class: t.Class, Err: fmt.Errorf("%w: enum takes one argument, got %d", ErrMalformed, len(t.Args))}
	}
	v, err := convertTo(t.Args[0], c.typ)
	if err != nil {
		return nil, true, &ClassError{Class: t.Class, Err: err}
	}
	p := reflect.New(c.typ)
	p.Elem().Set(v)
	return c.result(p), true, nil
}

func basicValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	}
	return v.Interface()
}

// Set is the loaded form of a tagged set. Elements keep the type the codec
// decoded them as, e.g. json.Number for JSON numbers.
type Set map[any]struct{}

// NewSet returns a set of items.
func NewSet(items ...any) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Has reports whether v is in the set.
func (s Set) Has(v any) bool {
	_, ok := s[v]
	return ok
}

// Items returns the elements ordered by their printed form.
func (s Set) Items() []any {
	items := make([]any, 0, len(s))
	for it := range s {
		items = append(items, it)
	}
	sortByString(items)
	return items
}

func sortByString(items []any) {
	slices.SortFunc(items, func(a, b any) int {
		sa, sb := fmt.Sprint(a), fmt.Sprint(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	})
}

// setTranslator handles maps whose values are empty structs.
type setTranslator struct{}

func isSetType(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0
}

func (setTranslator) Dump(r *Registry, v reflect.Value) (Tagged, bool, error) {
	if !isSetType(v.Type()) || v.IsNil() {
		return Tagged{}, false, nil
	}
	items := make([]any, 0, v.Len())
	for _, k := range v.MapKeys() {
		items = append(items, k.Interface())
	}
	sortByString(items)
	return Tagged{Class: SetClass, Args: items}, true, nil
}

func (setTranslator) Load(r *Registry, t Tagged) (any, bool, error) {
	if t.Class != SetClass {
		return nil, false, nil
	}
	s := make(Set, len(t.Args))
	for _, it := range t.Args {
		if it != nil && !reflect.TypeOf(it).Comparable() {
			return nil, true, &ClassError{Class: t.Class, Err: fmt.Errorf("unhashable element of type %T", it)}
		}
		s[it] = struct{}{}
	}
	return s, true, nil
}

// aggregateTranslator handles registered structs rebuilt from attributes.
type aggregateTranslator struct{}

func (aggregateTranslator) Dump(r *Registry, v reflect.Value) (Tagged, bool, error) {
	c, ok := r.classOf(v.Type())
	if !ok || v.Kind() != reflect.Struct {
		return Tagged{}, false, nil
	}
	return Tagged{Class: c.name, Attrs: r.attrsOf(v)}, true, nil
}

func (aggregateTranslator) Load(r *Registry, t Tagged) (any, bool, error) {
	c, ok := r.classNamed(t.Class)
	if !ok || c.ctor != nil || c.typ.Kind() != reflect.Struct {
		return nil, false, nil
	}
	p := reflect.New(c.typ)
	if err := r.setAttrs(p.Elem(), t.Attrs); err != nil {
		return nil, true, &ClassError{Class: t.Class, Err: err}
	}
	return c.result(p), true, nil
}

// result returns *typ or typ from a pointer p, matching the registration.
func (c *class) result(p reflect.Value) any {
	if c.ptr {
		return p.Interface()
	}
	return p.Elem().Interface()
}
