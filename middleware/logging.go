package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/onerpc/endpoint"
)

// LoggingProcessor logs one line per HTTP request with its status and
// duration. Requests that end in a 5xx log at Error, others at Info. The
// handler time up to the response status is reported in a Server-Timing
// header.
type LoggingProcessor struct {
	Logger *slog.Logger
}

// NewLoggingProcessor logs to l, or slog.Default() if l is nil.
func NewLoggingProcessor(l *slog.Logger) *LoggingProcessor {
	if l == nil {
		l = slog.Default()
	}
	return &LoggingProcessor{Logger: l}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Process implements endpoint.Processor.
func (p *LoggingProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := time.Now()
	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		w.Header().Set("Server-Timing", fmt.Sprintf("app;dur=%.3f", float64(time.Since(start).Microseconds())/1000))
	})
	rec := &statusRecorder{ResponseWriter: w}
	err := next(rec, r)

	status := rec.status
	if err != nil {
		// The handler writes the error response after the chain returns.
		status = endpoint.StatusOf(err)
	}
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.Int("status", status),
		slog.Int("bytes", rec.size),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	p.Logger.LogAttrs(r.Context(), level, "http request", attrs...)
	return err
}

var _ endpoint.Processor = (*LoggingProcessor)(nil)
