package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/internal/app"
	"github.com/ggoodman/rpc-server-go/internal/config"
	"github.com/ggoodman/rpc-server-go/internal/wellknown"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/ggoodman/rpc-server-go/streaminghttp"
	"github.com/ggoodman/rpc-server-go/wsrpc"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHandler mounts the transports for router:
//
//	POST /rpc             JSON-RPC calls
//	GET  /rpc/{procedure} SSE subscriptions and GET queries
//	GET  /ws              WebSocket calls and subscriptions
//	GET  /metrics         Prometheus metrics (when enabled)
//	GET  /healthz         liveness
//	GET  /.well-known/oauth-protected-resource/rpc
//	                      resource metadata (with OIDC and a public URL)
func newHandler(router *rpc.Router, cfg *config.Config, log *slog.Logger, gatherer prometheus.Gatherer) (http.Handler, error) {
	origins := cfg.Origins()

	cors := streaminghttp.DefaultCORS()
	cors.AllowedOrigins = origins

	httpOpts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithBasePath("/rpc"),
		streaminghttp.WithCORS(cors),
		streaminghttp.WithHeartbeat(cfg.SSEHeartbeat),
	}

	var prm *wellknown.ProtectedResource
	if cfg.OIDCIssuer != "" && cfg.PublicURL != "" {
		var err error
		prm, err = wellknown.NewProtectedResource(strings.TrimSuffix(cfg.PublicURL, "/")+"/rpc", cfg.OIDCIssuer)
		if err != nil {
			return nil, err
		}
		httpOpts = append(httpOpts, streaminghttp.WithResourceMetadata(prm.MetadataURL()))
	}

	rpcHandler, err := streaminghttp.New(router, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("http transport: %w", err)
	}

	wsHandler, err := wsrpc.New(router,
		wsrpc.WithLogger(log),
		wsrpc.WithCheckOrigin(checkOrigin(origins)),
		wsrpc.WithPingInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: %w", err)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.Heartbeat("/healthz"))

	mux.Mount("/rpc", rpcHandler)
	mux.Handle("/ws", wsHandler)
	if prm != nil {
		mux.Method(http.MethodGet, prm.MetadataPath(), prm.Handler())
	}
	if cfg.Metrics && gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux, nil
}

// checkOrigin admits handshakes whose Origin is in origins. "*" admits all,
// and requests without an Origin header (non-browser clients) always pass.
func checkOrigin(origins []string) func(r *http.Request) bool {
	if slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// pingLoop emits an increasing counter on the ping event every interval so
// subscribers see traffic without a client driving the ping mutation.
func pingLoop(ctx context.Context, bus emitter.Bus[int], interval time.Duration, log *slog.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			delivered := bus.Emit(app.PingEvent, n)
			log.DebugContext(ctx, "ping.emit", slog.Int("value", n), slog.Int("delivered", delivered))
		}
	}
}
