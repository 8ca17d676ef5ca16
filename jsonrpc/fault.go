package jsonrpc

import (
	"errors"
	"fmt"
)

// Reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

const (
	reservedMin = -32768
	reservedMax = -32000
)

// ErrInvalidParams may be returned (or wrapped) by a handler to report that
// its arguments were unusable. It is mapped to CodeInvalidParams.
var ErrInvalidParams = errors.New("invalid params")

// Fault is a JSON-RPC error object.
//
// Fault implements error: a handler that returns a *Fault controls the code,
// message and data that reach the wire.
type Fault struct {
	Code    int
	Message string
	Data    any
}

func (f *Fault) Error() string {
	if f == nil {
		return "jsonrpc: <nil fault>"
	}
	return fmt.Sprintf("jsonrpc: fault %d: %s", f.Code, f.Message)
}

// NewFault creates a Fault without data.
func NewFault(code int, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Faultf creates a Fault with a formatted message.
func Faultf(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of f carrying data.
func (f *Fault) WithData(data any) *Fault {
	c := *f
	c.Data = data
	return &c
}

// IsApplication reports whether the code lies outside the range reserved by
// the protocol.
func (f *Fault) IsApplication() bool {
	return !IsReservedCode(f.Code)
}

// IsReservedCode reports whether code is in the protocol-reserved range.
func IsReservedCode(code int) bool {
	return code >= reservedMin && code <= reservedMax
}

func (f *Fault) wire() map[string]any {
	m := map[string]any{
		"code":    f.Code,
		"message": f.Message,
	}
	if f.Data != nil {
		m["data"] = f.Data
	}
	return m
}

// Registration errors.
var (
	ErrReservedName    = errors.New("reserved method name")
	ErrDuplicateMethod = errors.New("method already registered")
	ErrInvalidHandler  = errors.New("invalid handler")
)

// ConfigError reports a configuration mistake detected at registration time.
type ConfigError struct {
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("jsonrpc: %q: %v", e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// faultFor maps a handler error to the Fault that goes on the wire.
func faultFor(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) && f != nil {
		return f
	}
	if errors.Is(err, ErrInvalidParams) {
		return &Fault{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return &Fault{Code: CodeInternalError, Message: "Internal error", Data: err.Error()}
}

func invalidParamsf(format string, args ...any) *Fault {
	return &Fault{Code: CodeInvalidParams, Message: "Invalid params", Data: fmt.Sprintf(format, args...)}
}
