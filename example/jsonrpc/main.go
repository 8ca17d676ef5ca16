// Command jsonrpc serves a small math service over HTTP and calls it with
// the client, including a batch.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mnehpets/onerpc/client"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/server"
)

type MathMethods struct{}

func (m *MathMethods) Add(ctx context.Context, a, b int) (int, error) {
	return a + b, nil
}

func (m *MathMethods) Sub(ctx context.Context, args struct {
	A int `json:"a"`
	B int `json:"b"`
}) (int, error) {
	return args.A - args.B, nil
}

func (m *MathMethods) Div(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, jsonrpc.NewFault(100, "division by zero")
	}
	return a / b, nil
}

func main() {
	d := jsonrpc.NewDispatcher(&jsonrpc.Config{Introspection: true})
	if err := d.RegisterService("math", &MathMethods{}); err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", server.Handler(server.New(d),
		middleware.NewAPISecurityHeadersProcessor(middleware.WithoutHSTS()),
		middleware.NewContentTypeProcessor(),
	))

	ln, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		log.Fatal(err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()
	defer srv.Shutdown(context.Background())
	log.Println("Serving on http://127.0.0.1:8080/rpc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial("http://127.0.0.1:8080/rpc")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	var sum int
	if err := c.Invoke(ctx, "math.Add", jsonrpc.ByPosition(2, 3), &sum); err != nil {
		log.Fatal(err)
	}
	log.Printf("math.Add(2, 3) = %d", sum)

	diff, err := c.Method("math").Method("Sub").CallNamed(ctx, map[string]any{"a": 10, "b": 4})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("math.Sub(a=10, b=4) = %v", diff)

	var f *jsonrpc.Fault
	if _, err := c.Call(ctx, "math.Div", 1, 0); errors.As(err, &f) {
		log.Printf("math.Div(1, 0) failed: %d %s", f.Code, f.Message)
	}

	results, err := c.MultiCall().
		Call("math.Add", 1, 1).
		Call("math.Div", 9, 3).
		Call("math.Nope").
		Run(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range results {
		log.Printf("batch %s: value=%v err=%v", r.Method, r.Value, r.Err)
	}
}
