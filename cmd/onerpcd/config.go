package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mnehpets/onerpc/jsonrpc"
)

// config is the daemon configuration, read from ONERPC_* variables.
type config struct {
	Addr          string
	Transport     string // http, fasthttp, tcp, unix or udp
	Version       jsonrpc.Version
	Runtime       string // sync or async
	PoolMin       int
	PoolMax       int
	NotifyPoolMax int
	IdleTimeout   time.Duration
	Introspection bool
	Codec         string // json or cbor
	LogLevel      slog.Level
	LogFormat     string // text or json
	CORSOrigins   []string
}

func defaultConfig() *config {
	return &config{
		Addr:          "127.0.0.1:8080",
		Transport:     "http",
		Version:       jsonrpc.V2,
		Runtime:       "sync",
		PoolMax:       0,
		NotifyPoolMax: 4,
		IdleTimeout:   30 * time.Second,
		Codec:         "json",
		LogLevel:      slog.LevelInfo,
		LogFormat:     "text",
	}
}

// loadConfig reads the configuration through getenv, usually os.Getenv.
// Unset variables keep their defaults.
func loadConfig(getenv func(string) string) (*config, error) {
	c := defaultConfig()
	var errs []string
	str := func(key string, dst *string, allowed ...string) {
		v := strings.TrimSpace(getenv("ONERPC_" + key))
		if v == "" {
			return
		}
		if len(allowed) > 0 {
			v = strings.ToLower(v)
			ok := false
			for _, a := range allowed {
				ok = ok || v == a
			}
			if !ok {
				errs = append(errs, fmt.Sprintf("ONERPC_%s: %q is not one of %s", key, v, strings.Join(allowed, ", ")))
				return
			}
		}
		*dst = v
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv("ONERPC_" + key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("ONERPC_%s: %q is not a non-negative integer", key, v))
			return
		}
		*dst = n
	}

	str("ADDR", &c.Addr)
	str("TRANSPORT", &c.Transport, "http", "fasthttp", "tcp", "unix", "udp")
	str("RUNTIME", &c.Runtime, "sync", "async")
	str("CODEC", &c.Codec, "json", "cbor")
	str("LOG_FORMAT", &c.LogFormat, "text", "json")
	num("POOL_MIN", &c.PoolMin)
	num("POOL_MAX", &c.PoolMax)
	num("NOTIFY_POOL_MAX", &c.NotifyPoolMax)

	if v := getenv("ONERPC_VERSION"); v != "" {
		ver, err := jsonrpc.ParseVersion(v)
		if err != nil {
			errs = append(errs, "ONERPC_VERSION: "+err.Error())
		}
		c.Version = ver
	}
	if v := getenv("ONERPC_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, "ONERPC_IDLE_TIMEOUT: "+err.Error())
		}
		c.IdleTimeout = d
	}
	if v := getenv("ONERPC_INTROSPECTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ONERPC_INTROSPECTION: %q is not a boolean", v))
		}
		c.Introspection = b
	}
	if v := getenv("ONERPC_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, "ONERPC_LOG_LEVEL: "+err.Error())
		}
	}
	if v := getenv("ONERPC_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	if c.PoolMax > 0 && c.PoolMin > c.PoolMax {
		errs = append(errs, fmt.Sprintf("ONERPC_POOL_MIN %d exceeds ONERPC_POOL_MAX %d", c.PoolMin, c.PoolMax))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("onerpcd: invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return c, nil
}

// rpcConfig builds the protocol configuration.
func (c *config) rpcConfig(logger *slog.Logger) (*jsonrpc.Config, error) {
	cfg := jsonrpc.DefaultConfig()
	cfg.Version = c.Version
	cfg.Introspection = c.Introspection
	cfg.Logger = logger
	if c.Codec == "cbor" {
		codec, err := jsonrpc.NewCBORCodec()
		if err != nil {
			return nil, err
		}
		cfg.Codec = codec
		cfg.ContentType = "application/cbor"
	}
	return cfg, nil
}
