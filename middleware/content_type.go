package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/mnehpets/onerpc/endpoint"
)

// DefaultContentTypes are the request media types accepted by
// NewContentTypeProcessor when none are given.
var DefaultContentTypes = []string{
	"application/json",
	"application/json-rpc",
	"application/jsonrequest",
	"application/cbor",
}

// ContentTypeProcessor rejects POST requests whose Content-Type is not one
// of Accepted with 415 Unsupported Media Type. Media types with a +json
// suffix are accepted whenever application/json is. A missing Content-Type
// is allowed, as many JSON-RPC clients omit it.
type ContentTypeProcessor struct {
	Accepted []string
}

// NewContentTypeProcessor accepts the given media types, or
// DefaultContentTypes.
func NewContentTypeProcessor(accepted ...string) *ContentTypeProcessor {
	if len(accepted) == 0 {
		accepted = DefaultContentTypes
	}
	return &ContentTypeProcessor{Accepted: accepted}
}

func (p *ContentTypeProcessor) accepts(mt string) bool {
	for _, a := range p.Accepted {
		if strings.EqualFold(a, mt) {
			return true
		}
		if strings.EqualFold(a, "application/json") && strings.HasSuffix(mt, "+json") {
			return true
		}
	}
	return false
}

// Process implements endpoint.Processor.
func (p *ContentTypeProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if r.Method != http.MethodPost {
		return next(w, r)
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return next(w, r)
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return endpoint.Error(http.StatusUnsupportedMediaType, "malformed Content-Type", err)
	}
	if !p.accepts(strings.ToLower(mt)) {
		return endpoint.Error(http.StatusUnsupportedMediaType, "unsupported Content-Type "+mt, nil)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*ContentTypeProcessor)(nil)
