package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/onerpc/endpoint"
)

func TestLoggingProcessor(t *testing.T) {
	tests := []struct {
		name       string
		next       func(http.ResponseWriter, *http.Request) error
		wantStatus int
		wantLevel  string
		wantBytes  int
	}{
		{
			name: "ok",
			next: func(w http.ResponseWriter, _ *http.Request) error {
				_, err := w.Write([]byte("hello"))
				return err
			},
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
			wantBytes:  5,
		},
		{
			name: "explicit status",
			next: func(w http.ResponseWriter, _ *http.Request) error {
				w.WriteHeader(http.StatusNotFound)
				return nil
			},
			wantStatus: http.StatusNotFound,
			wantLevel:  "INFO",
		},
		{
			name: "endpoint error",
			next: func(http.ResponseWriter, *http.Request) error {
				return endpoint.Error(http.StatusUnsupportedMediaType, "nope", nil)
			},
			wantStatus: http.StatusUnsupportedMediaType,
			wantLevel:  "INFO",
		},
		{
			name: "server error",
			next: func(w http.ResponseWriter, _ *http.Request) error {
				w.WriteHeader(http.StatusInternalServerError)
				return nil
			},
			wantStatus: http.StatusInternalServerError,
			wantLevel:  "ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := NewLoggingProcessor(slog.New(slog.NewJSONHandler(&buf, nil)))
			r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
			_ = p.Process(httptest.NewRecorder(), r, tt.next)

			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("log line %q: %v", buf.String(), err)
			}
			if rec["level"] != tt.wantLevel {
				t.Errorf("level: got %v, want %s", rec["level"], tt.wantLevel)
			}
			if rec["status"] != float64(tt.wantStatus) {
				t.Errorf("status: got %v, want %d", rec["status"], tt.wantStatus)
			}
			if rec["bytes"] != float64(tt.wantBytes) {
				t.Errorf("bytes: got %v, want %d", rec["bytes"], tt.wantBytes)
			}
			if rec["method"] != "POST" || rec["path"] != "/rpc" {
				t.Errorf("request attrs: got %v %v", rec["method"], rec["path"])
			}
		})
	}
}

func TestLoggingProcessorNilLogger(t *testing.T) {
	if p := NewLoggingProcessor(nil); p.Logger == nil {
		t.Fatal("nil logger not defaulted")
	}
}

func TestLoggingProcessorServerTiming(t *testing.T) {
	p := NewLoggingProcessor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	tests := []struct {
		name string
		fn   endpoint.EndpointFunc[struct{}]
	}{
		{"rendered", func(http.ResponseWriter, *http.Request, struct{}) (endpoint.Renderer, error) {
			return &endpoint.StringRenderer{Body: "ok"}, nil
		}},
		{"error", func(http.ResponseWriter, *http.Request, struct{}) (endpoint.Renderer, error) {
			return nil, endpoint.Error(http.StatusTeapot, "", nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			endpoint.HandleFunc(tt.fn, p)(w, httptest.NewRequest(http.MethodGet, "/", nil))
			if got := w.Header().Get("Server-Timing"); !strings.HasPrefix(got, "app;dur=") {
				t.Errorf("got Server-Timing %q", got)
			}
		})
	}
}
