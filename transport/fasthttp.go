package transport

import (
	"github.com/valyala/fasthttp"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/server"
)

type configurer interface {
	Config() *jsonrpc.Config
}

// FastHTTPHandler serves h with fasthttp. It answers like server.Handler:
// POST only, with reply statuses mapped by server.HTTPStatus.
func FastHTTPHandler(h jsonrpc.PayloadHandler) fasthttp.RequestHandler {
	contentType := jsonrpc.DefaultContentType
	if c, ok := h.(configurer); ok {
		contentType = c.Config().ContentTypeOrDefault()
	}
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsPost() {
			ctx.Response.Header.Set("Allow", fasthttp.MethodPost)
			ctx.Error("JSON-RPC requires POST method", fasthttp.StatusMethodNotAllowed)
			return
		}
		// The body buffer is reused once the handler returns.
		body := append([]byte(nil), ctx.PostBody()...)
		reply := h.ServePayload(ctx, body)
		status := server.HTTPStatus(reply)
		ctx.SetStatusCode(status)
		if status == fasthttp.StatusNoContent {
			return
		}
		ctx.Response.Header.Set("X-Content-Type-Options", "nosniff")
		ctx.SetContentType(contentType)
		ctx.SetBody(reply.Body)
	}
}
