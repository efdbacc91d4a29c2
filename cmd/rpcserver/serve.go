package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/emitter/redisrelay"
	"github.com/ggoodman/rpc-server-go/emitter/watermillrelay"
	"github.com/ggoodman/rpc-server-go/internal/app"
	"github.com/ggoodman/rpc-server-go/internal/config"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		addr string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the RPC server",
		Long: `Serve runs the HTTP, SSE and WebSocket transports until interrupted.

With --dev the TypeScript bindings are rewritten on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if dev {
				cfg.ExportBindings = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, cfg.NewLogger(os.Stderr))
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides RPC_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Export TypeScript bindings on startup")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := newRuntime(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer rt.Close()
	router, bus := rt.router, rt.bus

	g, gctx := errgroup.WithContext(ctx)

	h, err := newHandler(router, cfg, log, reg)
	if err != nil {
		return err
	}

	// Streams and WebSocket connections hang off baseCtx; cancelling it on
	// shutdown lets them finish instead of holding Shutdown open.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.InfoContext(gctx, "server.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.PingInterval > 0 {
		g.Go(func() error { return pingLoop(gctx, bus, cfg.PingInterval, log) })
	}

	return g.Wait()
}

// runtime is the part of the server shared by every transport: the event
// bus, its optional relay and the application router.
type runtime struct {
	router  *rpc.Router
	bus     emitter.Bus[int]
	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	local := emitter.New[int](
		emitter.WithLogger(log),
		emitter.WithMetrics(emitter.NewMetrics(reg, "rpc")),
	)
	rt.closers = append(rt.closers, func() error { local.Close(); return nil })
	rt.bus = local

	if err := rt.attachRelay(ctx, cfg, log, local); err != nil {
		return fail(err)
	}

	var authn auth.Authenticator
	if cfg.OIDCIssuer != "" {
		a, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.Audience)
		if err != nil {
			return fail(fmt.Errorf("oidc discovery: %w", err))
		}
		authn = a
	}

	rt.router = app.NewRouter(app.Options{
		Bus:           rt.bus,
		Authenticator: authn,
		SessionCookie: cfg.SessionCookie,
		TickInterval:  cfg.TickInterval,
		Logger:        log,
	})

	if cfg.ExportBindings {
		if err := rt.router.ExportTypeScriptFile(cfg.BindingsPath); err != nil {
			log.WarnContext(ctx, "bindings.export.fail", slog.String("path", cfg.BindingsPath), slog.String("err", err.Error()))
		} else {
			log.InfoContext(ctx, "bindings.export.ok", slog.String("path", cfg.BindingsPath))
		}
	}

	return rt, nil
}

// attachRelay puts the configured cross-node relay in front of local.
// Resources are registered as closers as soon as they are acquired.
func (rt *runtime) attachRelay(ctx context.Context, cfg *config.Config, log *slog.Logger, local *emitter.Emitter[int]) error {
	switch cfg.Backend() {
	case config.BackendRedis:
		client, err := redisrelay.Config{Addr: cfg.RedisAddr, Prefix: cfg.EventsPrefix}.NewClient(ctx)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)

		relay, err := redisrelay.New(ctx, client, local,
			redisrelay.WithPrefix(cfg.EventsPrefix),
			redisrelay.WithLogger(log),
		)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, relay.Close)
		rt.bus = relay
		log.InfoContext(ctx, "relay.redis.ready", slog.String("addr", cfg.RedisAddr))

	case config.BackendNATS:
		pub, sub, err := natsPubSub(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		rt.closers = append(rt.closers, pub.Close, sub.Close)

		relay, err := watermillrelay.New(ctx, pub, sub, local,
			watermillrelay.WithTopic(natsSubject(cfg.EventsPrefix)),
			watermillrelay.WithLogger(log),
		)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, relay.Close)
		rt.bus = relay
		log.InfoContext(ctx, "relay.nats.ready", slog.String("url", cfg.NATSURL))
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}
