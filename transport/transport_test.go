package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"golang.org/x/oauth2"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/server"
)

type handlerFunc func(ctx context.Context, data []byte) jsonrpc.Reply

func (f handlerFunc) ServePayload(ctx context.Context, data []byte) jsonrpc.Reply {
	return f(ctx, data)
}

func newDispatcher(t *testing.T) *jsonrpc.Dispatcher {
	t.Helper()
	d := jsonrpc.NewDispatcher(nil)
	if err := d.RegisterFunc("add", func(a, b int) int { return a + b }); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterFunc("touch", func(ctx context.Context) {}); err != nil {
		t.Fatal(err)
	}
	return d
}

const addCall = `{"jsonrpc":"2.0","method":"add","params":[2,3],"id":1}`
const addReply = `{"id":1,"jsonrpc":"2.0","result":5}`

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameFault, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := buf.Bytes()[:5]; !bytes.Equal(got, []byte{0, 0, 0, 5, FrameFault}) {
		t.Fatalf("header = %v", got)
	}
	status, payload, err := ReadFrame(bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatal(err)
	}
	if status != FrameFault || string(payload) != "hello" {
		t.Errorf("got %d %q", status, payload)
	}

	if _, _, err := ReadFrame(bytes.NewReader(buf.Bytes()), 4); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(buf.Bytes()[:7]), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want ErrUnexpectedEOF", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(nil), 0); !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want EOF", err)
	}
}

func serveStream(t *testing.T, h jsonrpc.PayloadHandler, network, addr string) (*StreamServer, net.Listener) {
	t.Helper()
	l, err := net.Listen(network, addr)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStreamServer(h)
	go s.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return s, l
}

func TestStreamTCP(t *testing.T) {
	_, l := serveStream(t, newDispatcher(t), "tcp", "127.0.0.1:0")
	c := NewStream("tcp", l.Addr().String())
	defer c.Close()
	ctx := context.Background()

	got, err := c.RoundTrip(ctx, &Message{Body: []byte(addCall)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != addReply {
		t.Errorf("got %s, want %s", got, addReply)
	}

	// Notifications get no frame back; the next call still lines up.
	got, err = c.RoundTrip(ctx, &Message{Body: []byte(`{"jsonrpc":"2.0","method":"touch"}`), Notify: true})
	if err != nil || got != nil {
		t.Fatalf("notification: %q %v", got, err)
	}
	got, err = c.RoundTrip(ctx, &Message{Body: []byte(`{"jsonrpc":"2.0","method":"add","params":[1,1],"id":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"id":2,"jsonrpc":"2.0","result":2}` {
		t.Errorf("got %s", got)
	}
}

func TestStreamUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	serveStream(t, newDispatcher(t), "unix", path)
	c := NewStream("unix", path)
	defer c.Close()

	got, err := c.RoundTrip(context.Background(), &Message{Body: []byte(addCall)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != addReply {
		t.Errorf("got %s", got)
	}
}

func TestStreamDialError(t *testing.T) {
	c := NewStream("unix", filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.RoundTrip(context.Background(), &Message{Body: []byte(addCall)})
	var te *Error
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("got %v, want dial *Error", err)
	}
}

func TestStreamDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := handlerFunc(func(ctx context.Context, data []byte) jsonrpc.Reply {
		<-release
		return jsonrpc.Reply{Body: data}
	})
	_, l := serveStream(t, slow, "tcp", "127.0.0.1:0")
	c := NewStream("tcp", l.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RoundTrip(ctx, &Message{Body: []byte(addCall)})
	var te *Error
	if !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("got %v, want read *Error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

func TestStreamDeadlineRepeated(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := handlerFunc(func(ctx context.Context, data []byte) jsonrpc.Reply {
		select {
		case <-release:
		case <-time.After(50 * time.Millisecond):
		}
		return jsonrpc.Reply{Body: data}
	})
	_, l := serveStream(t, slow, "tcp", "127.0.0.1:0")
	c := NewStream("tcp", l.Addr().String())
	defer c.Close()

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := c.RoundTrip(ctx, &Message{Body: []byte(addCall)})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("attempt %d: got %v, want DeadlineExceeded", i, err)
		}
	}
}

// expiredContext has a past deadline but has not reported it yet.
type expiredContext struct{ context.Context }

func (expiredContext) Deadline() (time.Time, bool) {
	return time.Now().Add(-time.Second), true
}

func TestStreamFailClassifiesTimeout(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want error
	}{
		{"socket timeout after ctx deadline", expiredContext{context.Background()}, os.ErrDeadlineExceeded, context.DeadlineExceeded},
		{"socket timeout without ctx deadline", context.Background(), os.ErrDeadlineExceeded, os.ErrDeadlineExceeded},
		{"other error", expiredContext{context.Background()}, io.ErrUnexpectedEOF, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer b.Close()
			s := NewStream("tcp", "example:1")
			s.conn = a
			err := s.fail("read", tt.ctx, tt.err)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if s.conn != nil {
				t.Error("connection not dropped")
			}
		})
	}
}

func TestStreamServerFaultStatus(t *testing.T) {
	_, l := serveStream(t, newDispatcher(t), "tcp", "127.0.0.1:0")
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, FrameOK, []byte(`{"jsonrpc":"2.0","method":"nope","id":1}`)); err != nil {
		t.Fatal(err)
	}
	status, _, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatal(err)
	}
	if status != FrameFault {
		t.Errorf("got status %d, want fault", status)
	}
}

func TestStreamServerShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewStreamServer(newDispatcher(t))
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	c := NewStream("tcp", l.Addr().String())
	defer c.Close()
	if _, err := c.RoundTrip(context.Background(), &Message{Body: []byte(addCall)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve returned %v, want ErrServerClosed", err)
	}
	if err := s.Serve(l); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Shutdown returned %v", err)
	}
}

func TestDatagramServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewDatagramServer(newDispatcher(t))
	served := make(chan error, 1)
	go func() { served <- s.Serve(pc) }()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(addCall)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != FrameOK || string(buf[1:n]) != addReply {
		t.Errorf("got %d %s", buf[0], buf[1:n])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve returned %v", err)
	}
}

func TestHTTPTransport(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case headers <- r.Header.Clone():
		default:
		}
		switch r.URL.Query().Get("mode") {
		case "unavailable":
			w.Header().Set("Retry-After", "5")
			http.Error(w, "down", http.StatusServiceUnavailable)
		case "fault":
			w.Header().Set("Content-Type", "application/json-rpc")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`)
		case "empty":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Content-Type", "application/json-rpc")
			io.WriteString(w, addReply)
		}
	}))
	defer srv.Close()

	newHTTP := func(query string) *HTTP {
		t.Helper()
		h, err := NewHTTP(srv.URL+"/rpc"+query,
			WithUserAgent("test-agent"),
			WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "s3cret"})))
		if err != nil {
			t.Fatal(err)
		}
		return h
	}
	ctx := context.Background()

	got, err := newHTTP("").RoundTrip(ctx, &Message{Body: []byte(addCall), Header: http.Header{"X-Trace": {"abc"}}})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != addReply {
		t.Errorf("got %s", got)
	}
	seen := <-headers
	for k, want := range map[string]string{
		"Content-Type":  jsonrpc.DefaultContentType,
		"User-Agent":    "test-agent",
		"Authorization": "Bearer s3cret",
		"X-Trace":       "abc",
	} {
		if seen.Get(k) != want {
			t.Errorf("header %s = %q, want %q", k, seen.Get(k), want)
		}
	}

	got, err = newHTTP("?mode=fault").RoundTrip(ctx, &Message{Body: []byte(addCall)})
	if err != nil {
		t.Fatalf("fault body should be returned as a reply: %v", err)
	}
	if !bytes.Contains(got, []byte("-32601")) {
		t.Errorf("got %s", got)
	}

	_, err = newHTTP("?mode=unavailable").RoundTrip(ctx, &Message{Body: []byte(addCall)})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *Error", err)
	}
	if te.StatusCode != http.StatusServiceUnavailable || te.Header.Get("Retry-After") != "5" || te.Addr == "" {
		t.Errorf("unexpected error %+v", te)
	}

	got, err = newHTTP("?mode=empty").RoundTrip(ctx, &Message{Body: []byte(`{"jsonrpc":"2.0","method":"touch"}`), Notify: true})
	if err != nil || got != nil {
		t.Errorf("got %q %v, want nothing", got, err)
	}
}

func TestHTTPOverUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	hs := &http.Server{Handler: server.Handler(server.New(newDispatcher(t)))}
	go hs.Serve(l)
	defer hs.Close()

	h, err := NewHTTP("unix+http://" + path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	got, err := h.RoundTrip(context.Background(), &Message{Body: []byte(addCall)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != addReply {
		t.Errorf("got %s", got)
	}
}

func TestNewHTTPRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "unix+http://", "://bad"} {
		if _, err := NewHTTP(u); err == nil {
			t.Errorf("NewHTTP(%q) succeeded", u)
		}
	}
}

func TestFastHTTPHandler(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	fs := &fasthttp.Server{Handler: FastHTTPHandler(newDispatcher(t))}
	go fs.Serve(ln)
	defer fs.Shutdown()

	c := &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
	do := func(method, body string) *fasthttp.Response {
		t.Helper()
		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)
		req.SetRequestURI("http://rpc.test/")
		req.Header.SetMethod(method)
		req.SetBodyString(body)
		resp := &fasthttp.Response{}
		if err := c.Do(req, resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"Call", fasthttp.MethodPost, addCall, fasthttp.StatusOK},
		{"Notification", fasthttp.MethodPost, `{"jsonrpc":"2.0","method":"touch"}`, fasthttp.StatusNoContent},
		{"ParseError", fasthttp.MethodPost, `{`, fasthttp.StatusBadRequest},
		{"MethodNotFound", fasthttp.MethodPost, `{"jsonrpc":"2.0","method":"nope","id":1}`, fasthttp.StatusNotFound},
		{"Get", fasthttp.MethodGet, "", fasthttp.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(tt.method, tt.body)
			if resp.StatusCode() != tt.status {
				t.Fatalf("got %d, want %d: %s", resp.StatusCode(), tt.status, resp.Body())
			}
			if tt.status == fasthttp.StatusOK {
				if string(resp.Body()) != addReply {
					t.Errorf("got %s", resp.Body())
				}
				if ct := string(resp.Header.ContentType()); ct != jsonrpc.DefaultContentType {
					t.Errorf("content type %q", ct)
				}
			}
		})
	}
}
