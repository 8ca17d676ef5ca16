// Package jsonrpc implements the JSON-RPC 1.0 and 2.0 message model and a
// method dispatcher.
//
// This package implements the JSON-RPC 2.0 specification (https://www.jsonrpc.org/specification)
// and the 1.0 framing it grew out of. Transports and runtimes live in other
// packages; this one only turns bytes into requests and responses into bytes.
//
// # Basic Usage
//
// Create a dispatcher, register methods, and hand it to a runtime:
//
//	d := jsonrpc.NewDispatcher(jsonrpc.DefaultConfig())
//	d.RegisterFunc("add", func(a, b int) int { return a + b }, "a", "b")
//	d.RegisterService("math", &MathMethods{})
//	http.Handle("/rpc", server.Handler(server.New(d)))
//
// # Method Signatures
//
// Functions registered with RegisterFunc may take a leading context.Context
// and must return (), (T), (error) or (T, error). Parameter names given at
// registration allow keyed calls:
//
//	{"jsonrpc": "2.0", "method": "add", "params": {"a": 5, "b": 6}, "id": 1}
//
// Methods registered with RegisterService follow the struct-params style:
//
//	type AddParams struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	func (m *MathMethods) Add(ctx context.Context, params AddParams) (int, error) {
//	    return params.A + params.B, nil
//	}
//
// Positional params fill the struct fields in declaration order; keyed
// params use the json names. Use a `_` field with a `jsonrpc` tag to
// override the method name:
//
//	type AddParams struct {
//	    _ struct{} `jsonrpc:"add"`
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
// # Error Handling
//
// Return a *Fault to control the code, message and data on the wire:
//
//	return 0, jsonrpc.NewFault(4001, "division by zero").WithData(params)
//
// Errors wrapping ErrInvalidParams become invalid-params faults. Every other
// error becomes an internal error carrying err.Error() as data. Standard
// codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
//   - CodeServerError (-32000)
//
// # Versions
//
// A request carrying "jsonrpc": "2.0" is a 2.0 request; one without the tag
// but with an id is a 1.0 request. Responses use the version of the request
// they answer unless the Config is 1.0, in which case everything is framed
// as 1.0. An id of zero is an ordinary call id unless
// Config.ZeroIDIsNotification is set.
package jsonrpc
