// Package jsonclass translates Go values to and from a class-tagged JSON
// form so that structured values survive a trip through JSON-RPC.
//
// A tagged value is an object whose reserved key holds the class name and
// constructor arguments; the remaining keys are attribute values:
//
//	{"__jsonclass__": ["geo.Point", []], "x": 1, "y": 2}
//
// Only registered types are tagged. Everything else is dumped as plain JSON
// values, and Load leaves untagged values alone.
package jsonclass

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// TagKey is the reserved attribute that carries [className, [args...]].
const TagKey = "__jsonclass__"

// SetClass is the class name used for sets.
const SetClass = "set"

const maxDepth = 64

var (
	// ErrUnknownClass is wrapped by ClassError when a tagged value names a
	// class the registry does not know.
	ErrUnknownClass = errors.New("unknown class")
	// ErrDuplicateClass is returned when a class name is registered twice.
	ErrDuplicateClass = errors.New("class already registered")
	// ErrMalformed is wrapped by ClassError for tags that do not have the
	// [name, [args...]] shape.
	ErrMalformed = errors.New("malformed class tag")

	errTooDeep = errors.New("jsonclass: value nested too deeply")
)

// ClassError reports a failure to rebuild a tagged value.
type ClassError struct {
	Class string
	Err   error
}

func (e *ClassError) Error() string {
	return fmt.Sprintf("jsonclass: %q: %v", e.Class, e.Err)
}

func (e *ClassError) Unwrap() error {
	return e.Err
}

// Constructor rebuilds a value from its dumped constructor arguments.
type Constructor func(args []any) (any, error)

// Serializer is implemented by registered types that dump themselves as
// constructor arguments plus optional attributes. Such types must be
// registered with RegisterConstructor.
type Serializer interface {
	SerializeClass() (args []any, attrs map[string]any)
}

// SerializeHandler dumps a value of one type to its wire form.
type SerializeHandler func(v any) (any, error)

type class struct {
	name string
	typ  reflect.Type // never a pointer type
	ptr  bool         // loads yield *typ
	ctor Constructor
}

// Registry maps class names to Go types. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*class
	byType      map[reflect.Type]*class
	handlers    map[reflect.Type]SerializeHandler
	ignored     map[string]bool
	translators []Translator
}

// NewRegistry returns a registry with the built-in translators: constructor
// form, enums, sets and plain aggregates.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*class),
		byType:   make(map[reflect.Type]*class),
		handlers: make(map[reflect.Type]SerializeHandler),
		ignored:  make(map[string]bool),
		translators: []Translator{
			serializerTranslator{},
			enumTranslator{},
			setTranslator{},
			aggregateTranslator{},
		},
	}
}

// Register adds the type of sample under name. Struct types are rebuilt
// from their attributes; named basic types (string, number or bool kinds)
// are treated as enums. A pointer sample makes Load return pointers.
func (r *Registry) Register(name string, sample any) error {
	return r.register(name, sample, nil)
}

// RegisterConstructor adds the type of sample under name, rebuilt with ctor
// from the constructor arguments.
func (r *Registry) RegisterConstructor(name string, sample any, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("jsonclass: %q: nil constructor", name)
	}
	return r.register(name, sample, ctor)
}

func (r *Registry) register(name string, sample any, ctor Constructor) error {
	if name == "" || name == SetClass {
		return fmt.Errorf("jsonclass: %q: reserved class name", name)
	}
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("jsonclass: %q: nil sample", name)
	}
	c := &class{name: name, ctor: ctor}
	if t.Kind() == reflect.Pointer {
		c.ptr = true
		t = t.Elem()
	}
	c.typ = t
	if ctor == nil && t.Kind() != reflect.Struct && !isBasic(t.Kind()) {
		return fmt.Errorf("jsonclass: %q: cannot register %s without a constructor", name, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("jsonclass: %q: %w", name, ErrDuplicateClass)
	}
	r.byName[name] = c
	r.byType[t] = c
	return nil
}

// RegisterHandler makes Dump use fn for values of the type of sample.
func (r *Registry) RegisterHandler(sample any, fn SerializeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reflect.TypeOf(sample)] = fn
}

// Ignore excludes attributes from both Dump and Load.
func (r *Registry) Ignore(attrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range attrs {
		r.ignored[a] = true
	}
}

// AddTranslator installs t ahead of the built-in translators.
func (r *Registry) AddTranslator(t Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators = append([]Translator{t}, r.translators...)
}

func (r *Registry) classOf(t reflect.Type) (*class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[t]
	return c, ok
}

func (r *Registry) classNamed(name string) (*class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) handler(t reflect.Type) (SerializeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) isIgnored(attr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ignored[attr]
}

func (r *Registry) translatorList() []Translator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.translators
}

// Classes returns the registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

var jsonMarshalerType = reflect.TypeFor[json.Marshaler]()

func isBasic(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
