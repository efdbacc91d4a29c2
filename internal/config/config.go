// Package config loads the server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every setting of the rpcserver command. Defaults live in the
// struct tags; command-line flags override individual fields after Load.
type Config struct {
	ListenAddr      string        `env:"RPC_LISTEN_ADDR,default=[::]:4000"`
	LogLevel        string        `env:"RPC_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"RPC_LOG_FORMAT,default=json"`
	SessionCookie   string        `env:"RPC_SESSION_COOKIE,default=session"`
	CORSOrigins     string        `env:"RPC_CORS_ORIGINS,default=*"`
	PingInterval    time.Duration `env:"RPC_PING_INTERVAL,default=0s"`
	TickInterval    time.Duration `env:"RPC_TICK_INTERVAL,default=1s"`
	SSEHeartbeat    time.Duration `env:"RPC_SSE_HEARTBEAT,default=15s"`
	BindingsPath    string        `env:"RPC_BINDINGS_PATH,default=web/app/generated/bindings.ts"`
	ExportBindings  bool          `env:"RPC_EXPORT_BINDINGS,default=false"`
	Metrics         bool          `env:"RPC_METRICS,default=true"`
	OIDCIssuer      string        `env:"OIDC_ISSUER"`
	Audience        string        `env:"RPC_AUDIENCE"`
	PublicURL       string        `env:"RPC_PUBLIC_URL"`
	EventsBackend   string        `env:"RPC_EVENTS_BACKEND"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	NATSURL         string        `env:"NATS_URL"`
	EventsPrefix    string        `env:"RPC_EVENTS_PREFIX,default=rpc:events:"`
	ShutdownTimeout time.Duration `env:"RPC_SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: RPC_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.ListenAddr == "" {
		return errors.New("config: RPC_LISTEN_ADDR is required")
	}
	if c.OIDCIssuer != "" && c.Audience == "" {
		return errors.New("config: RPC_AUDIENCE is required when OIDC_ISSUER is set")
	}
	switch c.Backend() {
	case BackendLocal:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for the redis events backend")
		}
	case BackendNATS:
		if c.NATSURL == "" {
			return errors.New("config: NATS_URL is required for the nats events backend")
		}
	default:
		return fmt.Errorf("config: RPC_EVENTS_BACKEND must be local, redis or nats, got %q", c.EventsBackend)
	}
	if c.PingInterval < 0 || c.TickInterval <= 0 || c.SSEHeartbeat < 0 {
		return errors.New("config: intervals must not be negative and RPC_TICK_INTERVAL must be positive")
	}
	return nil
}

// Events backends selectable with RPC_EVENTS_BACKEND.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Backend resolves the events backend. Left empty, it is redis when
// REDIS_ADDR is set and local otherwise.
func (c *Config) Backend() string {
	if c.EventsBackend != "" {
		return strings.ToLower(c.EventsBackend)
	}
	if c.RedisAddr != "" {
		return BackendRedis
	}
	return BackendLocal
}

// Origins splits CORSOrigins on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// NewLogger builds the process logger per LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid RPC_LOG_LEVEL %q: %w", s, err)
	}
	return lvl, nil
}
