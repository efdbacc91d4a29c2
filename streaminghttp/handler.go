package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/ids"
	"github.com/ggoodman/rpc-server-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	getMediaTypes         = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	wwwAuthenticateHeader = "WWW-Authenticate"
	defaultMaxBodyBytes   = 1 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// ContextFunc seeds the registry for each call, after the *http.Request has
// been inserted. Returning an error rejects the call.
type ContextFunc func(r *http.Request, caps *capability.Registry) error

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	basePath     string
	contextFunc  ContextFunc
	cors         *CORSConfig
	heartbeat    time.Duration
	realm        string
	metadataURL  string
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithBasePath sets the path the handler is mounted at. Defaults to "/".
func WithBasePath(p string) Option {
	return func(c *newConfig) { c.basePath = p }
}

// WithContextFunc installs a hook that seeds each call's registry.
func WithContextFunc(fn ContextFunc) Option {
	return func(c *newConfig) { c.contextFunc = fn }
}

// WithCORS enables cross-origin requests per cfg.
func WithCORS(cfg CORSConfig) Option {
	return func(c *newConfig) { c.cors = &cfg }
}

// WithHeartbeat writes an SSE comment every d on open streams so idle
// proxies keep them alive. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeat = d }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithResourceMetadata advertises the protected resource metadata document
// at url in WWW-Authenticate challenges.
func WithResourceMetadata(url string) Option {
	return func(c *newConfig) { c.metadataURL = url }
}

// WithMaxBodyBytes bounds the size of POST bodies. Defaults to 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler serves an rpc.Router over HTTP and Server-Sent Events.
type StreamingHTTPHandler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	router       *rpc.Router
	contextFunc  ContextFunc
	cors         *CORSConfig
	heartbeat    time.Duration
	realm        string
	metadataURL  string
	maxBodyBytes int64
}

// lockedWriteFlusher serializes writes and flushes from the stream loop and
// the heartbeat, and refuses to write once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeFrame writes one complete SSE frame under a single lock so heartbeat
// comments never interleave with an event.
func (l *lockedWriteFlusher) writeFrame(frame string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := io.WriteString(l.Writer, frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

// New constructs a StreamingHTTPHandler for router.
func New(router *rpc.Router, opts ...Option) (*StreamingHTTPHandler, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}

	cfg := &newConfig{basePath: "/", maxBodyBytes: defaultMaxBodyBytes, realm: "rpc"}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	base := "/" + strings.Trim(cfg.basePath, "/")

	h := &StreamingHTTPHandler{
		log:          slog.New(logctx.New(cfg.logger.Handler())),
		router:       router,
		contextFunc:  cfg.contextFunc,
		cors:         cfg.cors,
		heartbeat:    cfg.heartbeat,
		realm:        cfg.realm,
		metadataURL:  cfg.metadataURL,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	rootPattern := base
	if base == "/" {
		rootPattern = "/{$}"
	}
	procPattern := strings.TrimSuffix(base, "/") + "/{procedure}"

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", rootPattern), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", procPattern), h.handleGet)
	if h.cors != nil {
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", rootPattern), h.handleOptions)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", procPattern), h.handleOptions)
	}
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cors != nil && r.Method != http.MethodOptions {
		h.cors.apply(w, r)
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *StreamingHTTPHandler) handleOptions(w http.ResponseWriter, r *http.Request) {
	h.cors.preflight(w, r)
}

// newRegistry builds the per-call capability registry.
func (h *StreamingHTTPHandler) newRegistry(r *http.Request) (*capability.Registry, error) {
	caps := capability.New()
	capability.Insert(caps, r)
	if h.contextFunc != nil {
		if err := h.contextFunc(r, caps); err != nil {
			return nil, err
		}
	}
	return caps, nil
}

func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	req, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	kind := "request"
	if req.IsNotification() {
		kind = "notification"
	}
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Procedure: req.Method, ID: req.ID.String(), Kind: kind})

	caps, err := h.newRegistry(r)
	if err != nil {
		h.writeRPCError(ctx, w, req.ID, rpc.AsError(err))
		return
	}

	res, err := h.router.Call(ctx, req.Method, caps, req.Params)

	if req.IsNotification() {
		if err != nil {
			h.log.WarnContext(ctx, "rpc.notification.fail", slog.String("err", err.Error()))
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if err != nil {
		h.writeRPCError(ctx, w, req.ID, rpc.AsError(err))
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		h.writeRPCError(ctx, w, req.ID, rpc.AsError(rpc.Wrap(rpc.InternalServerError, "failed to encode result", err)))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) writeRPCError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, rpcErr *rpc.Error) {
	level := slog.LevelInfo
	if rpcErr.Code == rpc.InternalServerError {
		level = slog.LevelError
	}
	h.log.Log(ctx, level, "rpc.call.fail", slog.String("code", string(rpcErr.Code)), slog.String("err", rpcErr.Error()))

	if rpcErr.Code == rpc.Unauthorized {
		w.Header().Set(wwwAuthenticateHeader, auth.ResourceMetadataChallenge(h.realm, rpcErr.Cause, h.metadataURL))
	}
	resp := jsonrpc.NewErrorResponse(id, rpcErr.JSONRPCCode(), rpcErr.Message, map[string]any{"code": rpcErr.Code})
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(rpcErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGet serves GET <base>/<procedure>: subscriptions as an SSE stream and
// queries as a plain JSON result.
func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("procedure")

	proc, ok := h.router.Lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("procedure %q not found", name))
		h.log.InfoContext(ctx, "http.get.not_found", slog.String("procedure", name))
		return
	}

	ctx = logctx.WithCallData(ctx, &logctx.CallData{Procedure: name, Kind: string(proc.Kind())})
	input := json.RawMessage(r.URL.Query().Get("input"))

	switch proc.Kind() {
	case rpc.KindSubscription:
		h.serveStream(ctx, w, r, name, input)
	case rpc.KindQuery:
		h.serveQuery(ctx, w, r, name, input)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, fmt.Sprintf("procedure %q must be called with POST", name))
		h.log.InfoContext(ctx, "http.get.method_not_allowed")
	}
}

func (h *StreamingHTTPHandler) serveQuery(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, input json.RawMessage) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, getMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "query results are application/json")
		return
	}

	caps, err := h.newRegistry(r)
	if err == nil {
		var res any
		res, err = h.router.Call(ctx, name, caps, input)
		if err == nil {
			w.Header().Set("Content-Type", jsonMediaType.String())
			_ = json.NewEncoder(w).Encode(map[string]any{"result": res})
			h.log.InfoContext(ctx, "http.get.ok")
			return
		}
	}
	h.writeRPCError(ctx, w, nil, rpc.AsError(err))
}

func (h *StreamingHTTPHandler) serveStream(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, input json.RawMessage) {
	start := time.Now()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "subscriptions require Accept: text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	caps, err := h.newRegistry(r)
	if err != nil {
		h.writeRPCError(ctx, w, nil, rpc.AsError(err))
		return
	}

	stream, err := h.router.Subscribe(ctx, name, caps, input)
	if err != nil {
		h.writeRPCError(ctx, w, nil, rpc.AsError(err))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	if h.heartbeat > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			t := time.NewTicker(h.heartbeat)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					if err := wf.writeFrame(": ping\n\n"); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		v, err := stream.Next(ctx)
		if err != nil {
			// A cancelled ctx also closes context-bound subscriptions, which
			// then report EOF; the disconnect wins.
			switch {
			case ctx.Err() != nil:
				h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
			case errors.Is(err, io.EOF):
				_ = wf.writeFrame("event: end\ndata: null\n\n")
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			default:
				rpcErr := rpc.AsError(err)
				payload, _ := json.Marshal(rpcErr)
				_ = wf.writeFrame("event: error\ndata: " + string(payload) + "\n\n")
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			return
		}

		payload, err := json.Marshal(v)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
			continue
		}
		if err := writeSSEEvent(wf, ids.NewEventID(), payload); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// writeSSEEvent writes one data event with the given id and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var b strings.Builder
	if msgID != "" {
		fmt.Fprintf(&b, "id: %s\n", msgID)
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if err := wf.writeFrame(b.String()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}
