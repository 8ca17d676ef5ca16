package server

import (
	"net/http"
	"strconv"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
)

// rpcParams captures the raw request body. Parsing is left to the runtime,
// as JSON-RPC reports malformed bodies as parse-error responses rather than
// HTTP errors.
type rpcParams struct {
	Body []byte `body:"" maxLength:"4194304"`
}

type configurer interface {
	Config() *jsonrpc.Config
}

type httpEndpoint struct {
	h           jsonrpc.PayloadHandler
	contentType string
}

// Handler serves h over HTTP POST. Processors run before the payload is
// handed to h, e.g. middleware.NewAPISecurityHeadersProcessor or
// middleware.ContentTypeProcessor.
//
// The response content type comes from h's Config when it has one. Reply
// statuses map to HTTP as described by HTTPStatus.
func Handler(h jsonrpc.PayloadHandler, processors ...endpoint.Processor) http.Handler {
	e := &httpEndpoint{h: h, contentType: jsonrpc.DefaultContentType}
	if c, ok := h.(configurer); ok {
		e.contentType = c.Config().ContentTypeOrDefault()
	}
	return endpoint.Handler(e.Endpoint, processors...)
}

// Endpoint is the endpoint function behind Handler.
func (e *httpEndpoint) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return &endpoint.StringRenderer{Status: http.StatusMethodNotAllowed, Body: "JSON-RPC requires POST method\n"}, nil
	}
	return e.render(e.h.ServePayload(r.Context(), params.Body)), nil
}

// HTTPStatus maps a reply to an HTTP status code: 204 for empty replies,
// 200 for successes, 400 for parse errors and invalid requests, 404 for
// unknown methods and 500 for any other fault.
func HTTPStatus(r jsonrpc.Reply) int {
	switch r.Status {
	case jsonrpc.StatusEmpty:
		return http.StatusNoContent
	case jsonrpc.StatusOK:
		return http.StatusOK
	}
	switch r.Code {
	case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest:
		return http.StatusBadRequest
	case jsonrpc.CodeMethodNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// render writes a runtime reply with its HTTPStatus.
func (e *httpEndpoint) render(reply jsonrpc.Reply) endpoint.Renderer {
	status := HTTPStatus(reply)
	if status == http.StatusNoContent {
		return &endpoint.NoContentRenderer{}
	}
	return endpoint.RendererFunc(func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", e.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(reply.Body)))
		w.WriteHeader(status)
		_, err := w.Write(reply.Body)
		return err
	})
}
