package wsrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/internal/rpcconn"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Control methods understood in addition to the router's procedures.
const (
	MethodSubscriptionStart = rpcconn.MethodSubscriptionStart
	MethodSubscriptionStop  = rpcconn.MethodSubscriptionStop
	MethodSubscriptionEvent = rpcconn.MethodSubscriptionEvent
	MethodSubscriptionEnd   = rpcconn.MethodSubscriptionEnd
)

type (
	StartParams = rpcconn.StartParams
	StopParams  = rpcconn.StopParams
	EventParams = rpcconn.EventParams
	EndParams   = rpcconn.EndParams
)

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

// ContextFunc seeds the registry of every call made on a connection. r is the
// handshake request.
type ContextFunc func(r *http.Request, caps *capability.Registry) error

type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithContextFunc installs a hook that seeds each call's registry.
func WithContextFunc(fn ContextFunc) Option {
	return func(h *Handler) { h.contextFunc = fn }
}

// WithCheckOrigin overrides the upgrader's origin check. The default rejects
// cross-origin handshakes.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithReadLimit bounds the size of inbound frames.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithPingInterval sends a ping control frame every d and drops connections
// that miss two pongs in a row. Zero disables keepalive.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// Handler upgrades requests to WebSocket connections serving a router.
type Handler struct {
	router       *rpc.Router
	upgrader     websocket.Upgrader
	log          *slog.Logger
	contextFunc  ContextFunc
	readLimit    int64
	writeTimeout time.Duration
	pingInterval time.Duration
}

var _ http.Handler = (*Handler)(nil)

// New constructs a Handler for router.
func New(router *rpc.Router, opts ...Option) (*Handler, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	h := &Handler{
		router:       router,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	h.log = slog.New(logctx.New(h.log.Handler()))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: uuid.NewString(), Transport: "websocket"})
	h.serve(ctx, ws, r)
}

// registry builds the per-call capability registry from the handshake request.
func (h *Handler) registry(r *http.Request) (*capability.Registry, error) {
	caps := capability.New()
	capability.Insert(caps, r)
	if h.contextFunc != nil {
		if err := h.contextFunc(r, caps); err != nil {
			return nil, err
		}
	}
	return caps, nil
}

func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, r *http.Request) {
	start := time.Now()
	h.log.InfoContext(ctx, "ws.conn.open")

	c := rpcconn.New(ctx, rpcconn.Config{
		Router:      h.router,
		Logger:      h.log,
		NewRegistry: func() (*capability.Registry, error) { return h.registry(r) },
		Write: func(b []byte) error {
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			return ws.WriteMessage(websocket.TextMessage, b)
		},
		OnWriteError: func(error) { _ = ws.Close() },
	})

	// Server shutdown cancels the request context; expiring the read
	// deadline lets the read loop wind the connection down normally.
	stop := context.AfterFunc(c.Context(), func() { _ = ws.SetReadDeadline(time.Now()) })
	defer stop()

	if h.pingInterval > 0 {
		go h.keepalive(c.Context(), ws)
	}

	h.readLoop(ctx, ws, c)

	c.Close()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = ws.Close()
	h.log.InfoContext(ctx, "ws.conn.close", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *rpcconn.Conn) {
	ws.SetReadLimit(h.readLimit)
	if h.pingInterval > 0 {
		pongWait := 2 * h.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.log.WarnContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		c.Handle(data)
	}
}

// keepalive pings the peer until ctx ends. WriteControl may run alongside
// the connection's data writer.
func (h *Handler) keepalive(ctx context.Context, ws *websocket.Conn) {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.log.InfoContext(ctx, "ws.ping.fail", slog.String("err", err.Error()))
				_ = ws.Close()
				return
			}
		}
	}
}
