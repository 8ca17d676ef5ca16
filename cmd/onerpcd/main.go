// Command onerpcd serves a demo JSON-RPC service over HTTP, fasthttp, a
// framed TCP or Unix stream, or UDP datagrams.
//
// Configuration comes from ONERPC_* environment variables, optionally loaded
// from a .env file:
//
//	ONERPC_ADDR=127.0.0.1:8080   listen address (socket path for unix)
//	ONERPC_TRANSPORT=http        http, fasthttp, tcp, unix or udp
//	ONERPC_VERSION=2.0           1.0 or 2.0
//	ONERPC_RUNTIME=sync          sync or async
//	ONERPC_POOL_MIN=0            request pool size (sync runtime);
//	ONERPC_POOL_MAX=0            a zero max serves calls inline
//	ONERPC_NOTIFY_POOL_MAX=4     notification pool size (sync runtime)
//	ONERPC_IDLE_TIMEOUT=30s      idle worker lifetime
//	ONERPC_INTROSPECTION=false   register system.* methods
//	ONERPC_CODEC=json            json or cbor
//	ONERPC_LOG_LEVEL=info
//	ONERPC_LOG_FORMAT=text       text or json
//	ONERPC_CORS_ORIGINS=         comma-separated origins allowed over HTTP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/onerpc/async"
	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/pool"
	"github.com/mnehpets/onerpc/server"
	"github.com/mnehpets/onerpc/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env", "", "load environment from this file (default .env, if present)")
	flag.Parse()

	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("onerpcd: exiting", "error", err)
		os.Exit(1)
	}
}

// loadEnv loads path into the environment without overriding variables
// that are already set. An empty path loads .env when it exists.
func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func newLogger(w io.Writer, cfg *config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run serves until ctx ends, then shuts down gracefully. ready, if not nil,
// is called with the bound address once the listener is open.
func run(ctx context.Context, cfg *config, logger *slog.Logger, ready func(net.Addr)) error {
	rpcCfg, err := cfg.rpcConfig(logger)
	if err != nil {
		return err
	}
	d, err := newDispatcher(rpcCfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		h           jsonrpc.PayloadHandler
		stopRuntime func(context.Context) error
	)
	switch cfg.Runtime {
	case "async":
		rt := async.NewRuntime(d, async.WithLogger(logger))
		// The runtime outlives gctx so that in-flight payloads are answered
		// while the transport drains.
		g.Go(func() error { return rt.Run(context.WithoutCancel(gctx)) })
		h = rt
		stopRuntime = func(context.Context) error {
			rt.Stop()
			return nil
		}
	default:
		s := newSyncServer(cfg, d, logger)
		h = s
		stopRuntime = s.Shutdown
	}

	l, err := listen(cfg, d, h, logger)
	if err != nil {
		_ = stopRuntime(ctx)
		_ = g.Wait()
		return err
	}
	logger.Info("onerpcd: listening",
		"transport", cfg.Transport,
		"addr", l.addr.String(),
		"runtime", cfg.Runtime,
		"version", string(rpcCfg.VersionOrDefault()),
	)
	if ready != nil {
		ready(l.addr)
	}

	g.Go(func() error {
		if err := l.serve(); err != nil && !isClosed(err) {
			return fmt.Errorf("onerpcd: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("onerpcd: shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(l.shutdown(sctx), stopRuntime(sctx))
	})
	return g.Wait()
}

func newSyncServer(cfg *config, d *jsonrpc.Dispatcher, logger *slog.Logger) *server.Server {
	opts := []server.Option{server.WithLogger(logger)}
	if cfg.NotifyPoolMax > 0 {
		opts = append(opts, server.WithNotificationPool(pool.New(
			pool.WithName("notify"),
			pool.WithMaxWorkers(cfg.NotifyPoolMax),
			pool.WithIdleTimeout(cfg.IdleTimeout),
			pool.WithLogger(logger),
		)))
	}
	if cfg.PoolMax > 0 {
		opts = append(opts, server.WithRequestPool(pool.New(
			pool.WithName("requests"),
			pool.WithMinWorkers(cfg.PoolMin),
			pool.WithMaxWorkers(cfg.PoolMax),
			pool.WithIdleTimeout(cfg.IdleTimeout),
			pool.WithLogger(logger),
		)))
	}
	return server.New(d, opts...)
}

// listener is a bound transport.
type listener struct {
	addr     net.Addr
	serve    func() error
	shutdown func(context.Context) error
}

func listen(cfg *config, d *jsonrpc.Dispatcher, h jsonrpc.PayloadHandler, logger *slog.Logger) (*listener, error) {
	switch cfg.Transport {
	case "http":
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		srv := &http.Server{
			Handler:           httpMux(cfg, d, h, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		return &listener{addr: ln.Addr(), serve: func() error { return srv.Serve(ln) }, shutdown: srv.Shutdown}, nil

	case "fasthttp":
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		srv := &fasthttp.Server{
			Handler:            transport.FastHTTPHandler(h),
			Name:               "onerpcd",
			MaxRequestBodySize: 4 << 20,
			Logger:             slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		return &listener{addr: ln.Addr(), serve: func() error { return srv.Serve(ln) }, shutdown: srv.ShutdownWithContext}, nil

	case "tcp", "unix":
		if cfg.Transport == "unix" {
			// A socket left by an unclean exit blocks the bind.
			if err := os.Remove(cfg.Addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
		ln, err := net.Listen(cfg.Transport, cfg.Addr)
		if err != nil {
			return nil, err
		}
		srv := transport.NewStreamServer(h, transport.WithLogger(logger))
		return &listener{addr: ln.Addr(), serve: func() error { return srv.Serve(ln) }, shutdown: srv.Shutdown}, nil

	case "udp":
		pc, err := net.ListenPacket("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		srv := transport.NewDatagramServer(h, transport.WithLogger(logger))
		return &listener{addr: pc.LocalAddr(), serve: func() error { return srv.Serve(pc) }, shutdown: srv.Shutdown}, nil
	}
	return nil, fmt.Errorf("onerpcd: unknown transport %q", cfg.Transport)
}

// httpMux serves RPC on /rpc, method descriptions on /rpc/describe and a
// liveness check on /healthz.
func httpMux(cfg *config, d *jsonrpc.Dispatcher, h jsonrpc.PayloadHandler, logger *slog.Logger) *http.ServeMux {
	secOpts := []middleware.SecurityHeadersOption{middleware.WithoutHSTS()}
	if len(cfg.CORSOrigins) > 0 {
		secOpts = append(secOpts, middleware.WithCORS(middleware.NewCORSConfig(cfg.CORSOrigins...)))
	}
	common := []endpoint.Processor{
		middleware.NewLoggingProcessor(logger),
		endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			w.Header().Set("Server", "onerpcd")
			return next(w, r)
		}),
		middleware.NewAPISecurityHeadersProcessor(secOpts...),
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", server.Handler(h, append(common, middleware.NewContentTypeProcessor())...))
	mux.Handle("/rpc/describe", server.DescribeHandler(d, common...))
	mux.HandleFunc("/healthz", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok\n"}, nil
	}, common...))
	return mux
}

func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) || errors.Is(err, transport.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
