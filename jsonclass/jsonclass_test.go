package jsonclass

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Line struct {
	From  Point               `json:"from"`
	To    *Point              `json:"to"`
	Label string              `json:"label,omitempty"`
	Tags  map[string]struct{} `json:"tags"`
	Token string              `json:"token"`
}

type Color string

type Level int

type Money struct {
	Cents    int64
	Currency string
	Note     string `json:"note"`
}

func (m Money) SerializeClass() ([]any, map[string]any) {
	return []any{m.Cents, m.Currency}, map[string]any{"note": m.Note}
}

func newMoney(args []any) (any, error) {
	cents, err := Arg[int64](args, 0)
	if err != nil {
		return nil, err
	}
	cur, err := Arg[string](args, 1)
	if err != nil {
		return nil, err
	}
	return Money{Cents: cents, Currency: cur}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for name, sample := range map[string]any{
		"geo.Point": Point{},
		"geo.Line":  &Line{},
		"Color":     Color(""),
		"Level":     Level(0),
	} {
		if err := r.Register(name, sample); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	if err := r.RegisterConstructor("Money", Money{}, newMoney); err != nil {
		t.Fatal(err)
	}
	return r
}

// wireRoundTrip dumps v, sends it through JSON the way the codec does, and
// returns the decoded wire value.
func wireRoundTrip(t *testing.T, r *Registry, v any) any {
	t.Helper()
	dumped, err := r.Dump(v)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	data, err := json.Marshal(dumped)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var wire any
	if err := dec.Decode(&wire); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return wire
}

func TestDumpWireShape(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{
			"Aggregate",
			Point{X: 1, Y: 2},
			map[string]any{TagKey: []any{"geo.Point", []any{}}, "x": 1, "y": 2},
		},
		{
			"PointerToAggregate",
			&Point{X: 3},
			map[string]any{TagKey: []any{"geo.Point", []any{}}, "x": 3, "y": 0},
		},
		{
			"Enum",
			Color("red"),
			map[string]any{TagKey: []any{"Color", []any{"red"}}},
		},
		{
			"IntEnum",
			Level(2),
			map[string]any{TagKey: []any{"Level", []any{int64(2)}}},
		},
		{
			"Set",
			map[string]struct{}{"b": {}, "a": {}},
			map[string]any{TagKey: []any{"set", []any{"a", "b"}}},
		},
		{
			"Constructor",
			Money{Cents: 150, Currency: "EUR", Note: "tip"},
			map[string]any{TagKey: []any{"Money", []any{int64(150), "EUR"}}, "note": "tip"},
		},
		{
			"UnregisteredStruct",
			struct {
				A string `json:"a"`
				B int    `json:"-"`
			}{A: "x", B: 1},
			map[string]any{"a": "x"},
		},
		{
			"Nested",
			[]any{Point{X: 1, Y: 1}, map[string]any{"c": Color("blue")}},
			[]any{
				map[string]any{TagKey: []any{"geo.Point", []any{}}, "x": 1, "y": 1},
				map[string]any{"c": map[string]any{TagKey: []any{"Color", []any{"blue"}}}},
			},
		},
		{"Nil", nil, nil},
		{"Scalar", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Dump(tt.in)
			if err != nil {
				t.Fatalf("Dump: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	line := &Line{
		From:  Point{X: 1, Y: 2},
		To:    &Point{X: 3, Y: 4},
		Label: "diagonal",
		Tags:  map[string]struct{}{"red": {}, "thin": {}},
		Token: "t",
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"Aggregate", Point{X: 1, Y: 2}, Point{X: 1, Y: 2}},
		{"PointerRegistration", line, line},
		{"Enum", Color("red"), Color("red")},
		{"IntEnum", Level(3), Level(3)},
		{"Constructor", Money{Cents: 150, Currency: "EUR", Note: "tip"}, Money{Cents: 150, Currency: "EUR", Note: "tip"}},
		{"Set", map[string]struct{}{"a": {}}, NewSet("a")},
		{"List", []Point{{X: 1}, {Y: 2}}, []any{Point{X: 1}, Point{Y: 2}}},
		{"PlainMap", map[string]any{"k": "v"}, map[string]any{"k": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Load(wireRoundTrip(t, r, tt.in))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name    string
		in      any
		wantErr error
		class   string
	}{
		{"UnknownClass", map[string]any{TagKey: []any{"nope.Thing", []any{}}}, ErrUnknownClass, "nope.Thing"},
		{"UnknownNested", []any{map[string]any{"a": map[string]any{TagKey: []any{"x"}}}}, ErrUnknownClass, "x"},
		{"TagNotArray", map[string]any{TagKey: "geo.Point"}, ErrMalformed, ""},
		{"ArgsNotArray", map[string]any{TagKey: []any{"geo.Point", "oops"}}, ErrMalformed, "geo.Point"},
		{"EnumArity", map[string]any{TagKey: []any{"Color", []any{}}}, ErrMalformed, "Color"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Load(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			var ce *ClassError
			if !errors.As(err, &ce) {
				t.Fatalf("got %T, want *ClassError", err)
			}
			if ce.Class != tt.class {
				t.Errorf("got class %q, want %q", ce.Class, tt.class)
			}
		})
	}

	_, err := r.Load(map[string]any{TagKey: []any{"Money", []any{"not a number", "EUR"}}})
	var ce *ClassError
	if !errors.As(err, &ce) || ce.Class != "Money" {
		t.Errorf("constructor failure: got %v, want *ClassError for Money", err)
	}
}

func TestSerializeHandlerAndIgnoredAttributes(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterHandler(time.Duration(0), func(v any) (any, error) {
		return v.(time.Duration).String(), nil
	})
	r.Ignore("token")

	got, err := r.Dump(map[string]any{"wait": 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"wait": "2s"}, got); diff != "" {
		t.Errorf("handler mismatch (-want +got):\n%s", diff)
	}

	dumped, err := r.Dump(&Line{Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := dumped.(map[string]any)["token"]; ok {
		t.Errorf("ignored attribute dumped: %v", dumped)
	}

	loaded, err := r.Load(map[string]any{TagKey: []any{"geo.Line", []any{}}, "token": "injected"})
	if err != nil {
		t.Fatal(err)
	}
	if loaded.(*Line).Token != "" {
		t.Errorf("ignored attribute loaded: %+v", loaded)
	}
}

func TestRegistrationErrors(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		err  error
	}{
		{"Duplicate", r.Register("geo.Point", Point{})},
		{"ReservedSet", r.Register("set", Point{})},
		{"Empty", r.Register("", Point{})},
		{"Nil", r.Register("nil", nil)},
		{"Slice", r.Register("slice", []int{})},
		{"NilConstructor", r.RegisterConstructor("ctor", Money{}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Error("expected error")
			}
		})
	}
	if err := r.Register("geo.Point", Point{}); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("got %v, want ErrDuplicateClass", err)
	}
}

type shout string

// shoutTranslator dumps shout values upper-cased and loads them lower-cased.
type shoutTranslator struct{}

func (shoutTranslator) Dump(r *Registry, v reflect.Value) (Tagged, bool, error) {
	if v.Type() != reflect.TypeFor[shout]() {
		return Tagged{}, false, nil
	}
	return Tagged{Class: "shout", Args: []any{strings.ToUpper(v.String())}}, true, nil
}

func (shoutTranslator) Load(r *Registry, t Tagged) (any, bool, error) {
	if t.Class != "shout" {
		return nil, false, nil
	}
	s, err := Arg[string](t.Args, 0)
	if err != nil {
		return nil, true, err
	}
	return shout(strings.ToLower(s)), true, nil
}

func TestCustomTranslator(t *testing.T) {
	r := NewRegistry()
	r.AddTranslator(shoutTranslator{})

	got, err := r.Dump(shout("hi"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{TagKey: []any{"shout", []any{"HI"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	loaded, err := r.Load(got)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != shout("hi") {
		t.Errorf("got %#v, want shout(\"hi\")", loaded)
	}
}

func TestDumpRejectsUnsupportedValues(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Dump(map[string]any{"c": make(chan int)}); err == nil {
		t.Error("expected error for channel")
	}

	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	if _, err := r.Dump(n); err == nil {
		t.Error("expected error for cyclic value")
	}
}

func ExampleRegistry() {
	r := NewRegistry()
	_ = r.Register("geo.Point", Point{})

	dumped, _ := r.Dump(Point{X: 1, Y: 2})
	data, _ := json.Marshal(dumped)
	fmt.Println(string(data))

	var wire any
	_ = json.Unmarshal(data, &wire)
	p, _ := r.Load(wire)
	fmt.Printf("%+v\n", p)
	// Output:
	// {"__jsonclass__":["geo.Point",[]],"x":1,"y":2}
	// {X:1 Y:2}
}
