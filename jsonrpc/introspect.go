package jsonrpc

import (
	"context"
)

// MethodInfo describes a registered method for the system.* methods.
type MethodInfo struct {
	Name      string   `json:"name"`
	Params    []string `json:"params,omitempty"`
	Signature []string `json:"signature,omitempty"`
	Help      string   `json:"help,omitempty"`
}

// Describer is implemented by handlers that can describe their parameters.
// Handlers built by Func implement it.
type Describer interface {
	Describe() MethodInfo
}

// Documented wraps a handler with help text.
type Documented struct {
	Handler
	Help string
}

func (d Documented) Describe() MethodInfo {
	var info MethodInfo
	if inner, ok := d.Handler.(Describer); ok {
		info = inner.Describe()
	}
	info.Help = d.Help
	return info
}

// WithHelp attaches help text to h.
func WithHelp(h Handler, help string) Handler {
	return Documented{Handler: h, Help: help}
}

// Describe returns the description of a registered method.
func (d *Dispatcher) Describe(name string) (MethodInfo, bool) {
	h, ok := d.Lookup(name)
	if !ok {
		return MethodInfo{}, false
	}
	var info MethodInfo
	if desc, ok := h.(Describer); ok {
		info = desc.Describe()
	}
	info.Name = name
	return info, true
}

func (d *Dispatcher) registerIntrospection() {
	unknown := func(name string) *Fault {
		return invalidParamsf("unknown method %q", name)
	}
	methods := map[string]Handler{
		"system.listMethods": WithHelp(MustFunc(func() []string {
			return d.Methods()
		}), "List the names of all registered methods."),

		"system.methodHelp": WithHelp(MustFunc(func(name string) (string, error) {
			info, ok := d.Describe(name)
			if !ok {
				return "", unknown(name)
			}
			return info.Help, nil
		}, "name"), "Return the help text of a method."),

		"system.methodSignature": WithHelp(MustFunc(func(name string) ([][]string, error) {
			info, ok := d.Describe(name)
			if !ok {
				return nil, unknown(name)
			}
			if len(info.Signature) == 0 {
				return [][]string{}, nil
			}
			return [][]string{info.Signature}, nil
		}, "name"), "Return the signatures of a method as [result, params...] lists."),

		"system.describe": WithHelp(MustFunc(func(ctx context.Context) map[string]any {
			names := d.Methods()
			procs := make([]MethodInfo, 0, len(names))
			for _, name := range names {
				if info, ok := d.Describe(name); ok {
					procs = append(procs, info)
				}
			}
			return map[string]any{
				"version": string(d.cfg.version()),
				"procs":   procs,
			}
		}), "Describe the service and all of its methods."),
	}
	for name, h := range methods {
		if err := d.Register(name, h); err != nil {
			panic(err)
		}
	}
}
