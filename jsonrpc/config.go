package jsonrpc

import (
	"context"
	"fmt"
	"log/slog"
)

// Version selects the wire-format generation.
type Version string

const (
	V1 Version = "1.0"
	V2 Version = "2.0"
)

// ParseVersion accepts "1.0", "1", "2.0" and "2".
func ParseVersion(s string) (Version, error) {
	switch s {
	case "1.0", "1":
		return V1, nil
	case "2.0", "2", "":
		return V2, nil
	}
	return "", fmt.Errorf("jsonrpc: unsupported version %q", s)
}

// ClassMarshaller converts values to and from the class-tagged wire form.
// *jsonclass.Registry implements it.
type ClassMarshaller interface {
	Dump(v any) (any, error)
	Load(v any) (any, error)
}

// Config is the explicit configuration shared by a dispatcher, runtime or
// client. It is a plain value: use Copy before mutating a Config that other
// instances hold.
type Config struct {
	// Version is the protocol version used when encoding. A server framed as
	// 1.0 answers every request in 1.0 framing; a 2.0 server answers each
	// request in the version it arrived in.
	Version Version

	// Codec encodes and decodes message bytes. Nil means DefaultCodec.
	Codec Codec

	// ContentType and UserAgent are used by HTTP transports.
	ContentType string
	UserAgent   string

	// UseClasses routes params and results through Classes.
	UseClasses bool
	Classes    ClassMarshaller

	// Introspection registers the system.* methods on new dispatchers.
	Introspection bool

	// ZeroIDIsNotification treats a request whose id is the number zero as
	// a notification. By default zero is an ordinary call id.
	ZeroIDIsNotification bool

	// BatchConcurrency bounds the number of batch members dispatched at
	// once. Zero or less means no bound.
	BatchConcurrency int

	Logger *slog.Logger

	// OnNotificationError observes failed notifications, which have no
	// reply channel.
	OnNotificationError func(ctx context.Context, req *Request, f *Fault)
}

const (
	DefaultContentType = "application/json-rpc"
	DefaultUserAgent   = "onerpc/1.0"
)

// DefaultConfig returns a 2.0 configuration using the JSON codec.
func DefaultConfig() *Config {
	return &Config{
		Version:     V2,
		Codec:       DefaultCodec,
		ContentType: DefaultContentType,
		UserAgent:   DefaultUserAgent,
	}
}

// Copy returns a shallow copy of c. A nil Config copies as DefaultConfig.
func (c *Config) Copy() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cp := *c
	return &cp
}

func (c *Config) version() Version {
	if c == nil || c.Version == "" {
		return V2
	}
	return c.Version
}

func (c *Config) codec() Codec {
	if c == nil || c.Codec == nil {
		return DefaultCodec
	}
	return c.Codec
}

func (c *Config) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Config) classes() ClassMarshaller {
	if c == nil || !c.UseClasses {
		return nil
	}
	return c.Classes
}

// VersionOrDefault returns the configured version, 2.0 when unset.
func (c *Config) VersionOrDefault() Version { return c.version() }

// CodecOrDefault returns the configured codec, DefaultCodec when unset.
func (c *Config) CodecOrDefault() Codec { return c.codec() }

// LoggerOrDefault returns the configured logger, slog.Default when unset.
func (c *Config) LoggerOrDefault() *slog.Logger { return c.logger() }

// ContentTypeOrDefault returns the configured content type.
func (c *Config) ContentTypeOrDefault() string {
	if c == nil || c.ContentType == "" {
		return DefaultContentType
	}
	return c.ContentType
}

// UserAgentOrDefault returns the configured user agent.
func (c *Config) UserAgentOrDefault() string {
	if c == nil || c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}

// responseVersion is the framing for a response to a request of version v.
func (c *Config) responseVersion(v Version) Version {
	if c.version() == V1 || v == "" {
		return c.version()
	}
	return v
}
