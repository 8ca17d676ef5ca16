package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/onerpc/endpoint"
)

// SecurityHeadersProcessor sets response headers suited to an RPC endpoint
// and answers CORS preflight requests.
//
// Defaults from NewAPISecurityHeadersProcessor:
//   - Strict-Transport-Security: max-age=31536000; includeSubDomains
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Cross-Origin-Resource-Policy: same-origin
//   - Cache-Control: no-store
//
// Replies to RPC calls are never cacheable, so Cache-Control is on by
// default. CORS is off until WithCORS is given.
type SecurityHeadersProcessor struct {
	// HSTS configures Strict-Transport-Security. Nil disables it.
	HSTS *HSTSConfig

	// Empty strings disable the corresponding header.
	ReferrerPolicy            string
	ContentSecurityPolicy     string
	CrossOriginResourcePolicy string
	CacheControl              string

	// NoSniff sets X-Content-Type-Options: nosniff.
	NoSniff bool

	// CORS configures cross-origin access. Nil disables it.
	CORS *CORSConfig
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	MaxAge            int // seconds
	IncludeSubDomains bool
	Preload           bool
}

func (c *HSTSConfig) String() string {
	if c == nil || c.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(c.MaxAge)}
	if c.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if c.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

// CORSConfig configures Cross-Origin Resource Sharing.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoint. "*" allows
	// any origin, except when AllowCredentials is set.
	AllowedOrigins []string

	// AllowedMethods defaults to POST and OPTIONS.
	AllowedMethods []string

	// AllowedHeaders defaults to Accept, Authorization and Content-Type.
	AllowedHeaders []string

	ExposedHeaders   []string
	AllowCredentials bool

	// MaxAge is how long, in seconds, a preflight result may be cached.
	MaxAge int
}

// NewCORSConfig allows origins to POST to the endpoint with the usual RPC
// request headers.
func NewCORSConfig(origins ...string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         3600,
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (c *CORSConfig) allowOrigin(origin string) string {
	for _, allowed := range c.AllowedOrigins {
		switch {
		case allowed == "*" && !c.AllowCredentials:
			return "*"
		case allowed == origin:
			return origin
		}
	}
	return ""
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewAPISecurityHeadersProcessor creates a SecurityHeadersProcessor with
// API defaults.
func NewAPISecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS: &HSTSConfig{
			MaxAge:            31536000,
			IncludeSubDomains: true,
		},
		ReferrerPolicy:            "no-referrer",
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		CrossOriginResourcePolicy: "same-origin",
		CacheControl:              "no-store",
		NoSniff:                   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS configures HSTS.
func WithHSTS(maxAge int, includeSubDomains, preload bool) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = &HSTSConfig{MaxAge: maxAge, IncludeSubDomains: includeSubDomains, Preload: preload}
	}
}

// WithoutHSTS disables HSTS, e.g. for plain HTTP on a private network.
func WithoutHSTS() SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = nil
	}
}

func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ReferrerPolicy = policy
	}
}

func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

func WithCacheControl(value string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.CacheControl = value
	}
}

// WithCORS enables CORS. A cross-origin browser client must also be allowed
// by Cross-Origin-Resource-Policy, so this relaxes it to cross-origin.
func WithCORS(config *CORSConfig) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.CORS = config
		if config != nil && p.CrossOriginResourcePolicy == "same-origin" {
			p.CrossOriginResourcePolicy = "cross-origin"
		}
	}
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}
	set("Strict-Transport-Security", p.HSTS.String())
	set("Referrer-Policy", p.ReferrerPolicy)
	set("Content-Security-Policy", p.ContentSecurityPolicy)
	set("Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)
	set("Cache-Control", p.CacheControl)
	if p.NoSniff {
		h.Set("X-Content-Type-Options", "nosniff")
	}

	if p.CORS != nil {
		if p.writeCORS(w, r) {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

// writeCORS sets CORS headers and reports whether r is a preflight request
// that has been fully answered.
func (p *SecurityHeadersProcessor) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	allowed := p.CORS.allowOrigin(origin)
	if allowed == "" {
		return false
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	if p.CORS.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(p.CORS.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.CORS.ExposedHeaders, ", "))
	}

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	methods := p.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodPost, http.MethodOptions}
	}
	headers := p.CORS.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Authorization", "Content-Type"}
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(slices.Sorted(slices.Values(headers)), ", "))
	if p.CORS.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(p.CORS.MaxAge))
	}
	return true
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
