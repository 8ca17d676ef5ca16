// Command stream runs the async runtime behind a framed TCP listener. The
// slow method sleeps cooperatively, so a batch of them finishes in about the
// time of one.
package main

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/mnehpets/onerpc/async"
	"github.com/mnehpets/onerpc/client"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/transport"
)

func main() {
	d := jsonrpc.NewDispatcher(nil)
	err := d.RegisterFunc("slow.echo", func(ctx context.Context, msg string) (string, error) {
		if err := async.Sleep(ctx, 200*time.Millisecond); err != nil {
			return "", err
		}
		return msg, nil
	}, "msg")
	if err != nil {
		log.Fatal(err)
	}

	rt := async.NewRuntime(d)
	go func() {
		if err := rt.Run(context.Background()); err != nil {
			log.Fatal(err)
		}
	}()
	defer rt.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	srv := transport.NewStreamServer(rt)
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	c, err := client.Dial("tcp://" + ln.Addr().String())
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	start := time.Now()
	batch := c.MultiCall()
	for _, w := range []string{"one", "two", "three", "four"} {
		batch.CallNamed("slow.echo", map[string]any{"msg": w})
	}
	results, err := batch.Run(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range results {
		var s string
		if err := r.Decode(&s); err != nil {
			log.Fatal(err)
		}
		log.Printf("%s -> %s", r.Method, s)
	}
	log.Printf("%d calls in %s", len(results), time.Since(start).Round(10*time.Millisecond))
}
