package server

import (
	"net/http"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
)

type describeParams struct {
	Method string `query:"method"`
}

// DescribeHandler serves the dispatcher's method descriptions as JSON on
// GET: every method, or the one named by the method query parameter. It is
// the HTTP counterpart of the system.describe method and works whether or
// not Config.Introspection is set.
func DescribeHandler(d *jsonrpc.Dispatcher, processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(func(w http.ResponseWriter, r *http.Request, p describeParams) (endpoint.Renderer, error) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			return &endpoint.StringRenderer{Status: http.StatusMethodNotAllowed, Body: "describe requires GET method\n"}, nil
		}
		if p.Method != "" {
			info, ok := d.Describe(p.Method)
			if !ok {
				return nil, endpoint.Error(http.StatusNotFound, "unknown method "+p.Method, nil)
			}
			return &endpoint.JSONRenderer{Value: info}, nil
		}
		names := d.Methods()
		infos := make([]jsonrpc.MethodInfo, 0, len(names))
		for _, name := range names {
			if info, ok := d.Describe(name); ok {
				infos = append(infos, info)
			}
		}
		return &endpoint.JSONRenderer{Value: map[string]any{
			"version": string(d.Config().VersionOrDefault()),
			"procs":   infos,
		}}, nil
	}, processors...)
}
