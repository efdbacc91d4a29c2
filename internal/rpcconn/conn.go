// Package rpcconn multiplexes router calls and subscriptions over one
// message-oriented connection. The WebSocket and stdio transports own the
// framing; a Conn owns everything between a decoded message and the bytes
// written back.
package rpcconn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/jsonrpc"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/rpc"
)

// Control methods understood in addition to the router's procedures.
const (
	MethodSubscriptionStart = "subscription.start"
	MethodSubscriptionStop  = "subscription.stop"
	MethodSubscriptionEvent = "subscription.event"
	MethodSubscriptionEnd   = "subscription.end"
)

const outboxSize = 64

// StartParams are the params of a subscription.start request.
type StartParams struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StopParams are the params of a subscription.stop request.
type StopParams struct {
	ID string `json:"id"`
}

// EventParams are the params of a subscription.event notification.
type EventParams struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// EndParams are the params of a subscription.end notification.
type EndParams struct {
	ID    string     `json:"id"`
	Error *rpc.Error `json:"error,omitempty"`
}

// Config wires a Conn to its transport.
type Config struct {
	Router *rpc.Router
	// NewRegistry builds the registry for one call or subscription.
	NewRegistry func() (*capability.Registry, error)
	// Write sends one encoded message. It is only ever called from the
	// Conn's writer goroutine.
	Write func([]byte) error
	// OnWriteError runs once when Write fails, typically to tear down the
	// underlying connection so the transport's read loop ends.
	OnWriteError func(error)
	Logger       *slog.Logger
}

// Conn is the per-connection state: in-flight calls, live subscriptions and
// the single writer.
type Conn struct {
	cfg Config
	log *slog.Logger
	ctx context.Context

	cancel     context.CancelFunc
	out        chan frame
	writerDone chan struct{}

	mu    sync.Mutex
	subs  map[string]*activeSub
	wg    sync.WaitGroup
	calls sync.WaitGroup
}

// frame is one queued write. A frame with flushed set carries no data; the
// writer closes flushed once everything queued before it has been written.
type frame struct {
	b       []byte
	flushed chan struct{}
}

type activeSub struct {
	cancel context.CancelFunc
}

// New starts a Conn bound to ctx. Call Close when the transport stops
// reading.
func New(ctx context.Context, cfg Config) *Conn {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.NewRegistry == nil {
		cfg.NewRegistry = func() (*capability.Registry, error) { return capability.New(), nil }
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		cfg:        cfg,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan frame, outboxSize),
		writerDone: make(chan struct{}),
		subs:       make(map[string]*activeSub),
	}
	go c.writeLoop()
	return c
}

// Context is done once the Conn is closed or its writer failed.
func (c *Conn) Context() context.Context { return c.ctx }

// Close stops every call and subscription, waits for them to release their
// resources and stops the writer. Messages still queued are dropped.
func (c *Conn) Close() {
	c.cancel()
	c.wg.Wait()
	<-c.writerDone
}

// Drain waits for in-flight calls to respond and for every queued message
// to be written. Subscriptions keep running.
func (c *Conn) Drain() {
	c.calls.Wait()
	flushed := make(chan struct{})
	select {
	case c.out <- frame{flushed: flushed}:
	case <-c.ctx.Done():
		return
	}
	select {
	case <-flushed:
	case <-c.ctx.Done():
	}
}

// Handle decodes one inbound message and dispatches it. Calls run on their
// own goroutine; subscription control is handled inline so a start is
// acknowledged before any later message on the connection is processed.
func (c *Conn) Handle(data []byte) {
	req, err := jsonrpc.Decode(data)
	if err != nil {
		code := jsonrpc.ErrorCodeParseError
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			code = jsonrpc.ErrorCodeInvalidRequest
		}
		c.log.WarnContext(c.ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		c.send(jsonrpc.NewErrorResponse(nil, code, err.Error(), nil))
		return
	}

	switch req.Method {
	case MethodSubscriptionStart:
		c.startSubscription(req)
	case MethodSubscriptionStop:
		c.stopSubscription(req)
	default:
		c.wg.Add(1)
		c.calls.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.calls.Done()
			c.call(req)
		}()
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			if f.flushed != nil {
				close(f.flushed)
				continue
			}
			if err := c.cfg.Write(f.b); err != nil {
				c.log.InfoContext(c.ctx, "conn.write.fail", slog.String("err", err.Error()))
				c.cancel()
				if c.cfg.OnWriteError != nil {
					c.cfg.OnWriteError(err)
				}
				return
			}
		}
	}
}

// send queues msg for the writer. It gives up once the connection is done.
func (c *Conn) send(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.ErrorContext(c.ctx, "conn.encode.fail", slog.String("err", err.Error()))
		return
	}
	select {
	case c.out <- frame{b: b}:
	case <-c.ctx.Done():
	}
}

func (c *Conn) sendError(id *jsonrpc.RequestID, err error) {
	rpcErr := rpc.AsError(err)
	c.send(jsonrpc.NewErrorResponse(id, rpcErr.JSONRPCCode(), rpcErr.Message, map[string]any{"code": rpcErr.Code}))
}

func (c *Conn) sendResult(ctx context.Context, id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		c.log.ErrorContext(ctx, "conn.encode.fail", slog.String("err", err.Error()))
		c.sendError(id, rpc.Wrap(rpc.InternalServerError, "failed to encode result", err))
		return
	}
	c.send(resp)
}

func (c *Conn) notify(method string, params any) {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.log.ErrorContext(c.ctx, "conn.encode.fail", slog.String("err", err.Error()))
		return
	}
	c.send(n)
}

func (c *Conn) call(req *jsonrpc.Request) {
	kind := "request"
	if req.IsNotification() {
		kind = "notification"
	}
	ctx := logctx.WithCallData(c.ctx, &logctx.CallData{Procedure: req.Method, ID: req.ID.String(), Kind: kind})

	caps, err := c.cfg.NewRegistry()
	if err == nil {
		var res any
		res, err = c.cfg.Router.Call(ctx, req.Method, caps, req.Params)
		if err == nil {
			if !req.IsNotification() {
				c.sendResult(ctx, req.ID, res)
			}
			return
		}
	}

	c.log.InfoContext(ctx, "rpc.call.fail", slog.String("err", err.Error()))
	if !req.IsNotification() {
		c.sendError(req.ID, err)
	}
}

func (c *Conn) startSubscription(req *jsonrpc.Request) {
	if req.IsNotification() {
		c.log.WarnContext(c.ctx, "sub.start.without_id")
		return
	}

	var p StartParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Path == "" {
		c.sendError(req.ID, rpc.Reject(rpc.BadRequest, "subscription.start requires a path"))
		return
	}

	subID := req.ID.String()
	ctx := logctx.WithCallData(c.ctx, &logctx.CallData{Procedure: p.Path, ID: subID, Kind: string(rpc.KindSubscription)})
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: subID})
	ctx, cancel := context.WithCancel(ctx)

	sub := &activeSub{cancel: cancel}
	c.mu.Lock()
	if _, exists := c.subs[subID]; exists {
		c.mu.Unlock()
		cancel()
		c.sendError(req.ID, rpc.NewError(rpc.Conflict, "subscription %q already exists", subID))
		return
	}
	c.subs[subID] = sub
	c.mu.Unlock()

	caps, err := c.cfg.NewRegistry()
	var stream rpc.Stream[any]
	if err == nil {
		stream, err = c.cfg.Router.Subscribe(ctx, p.Path, caps, p.Input)
	}
	if err != nil {
		c.forget(subID, sub)
		cancel()
		c.log.InfoContext(ctx, "sub.start.fail", slog.String("err", err.Error()))
		c.sendError(req.ID, err)
		return
	}

	// Queued before the pump starts so it precedes every event.
	c.sendResult(ctx, req.ID, StopParams{ID: subID})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.forget(subID, sub)
		defer cancel()
		defer stream.Close()
		c.pump(ctx, subID, stream)
	}()
}

func (c *Conn) pump(ctx context.Context, subID string, stream rpc.Stream[any]) {
	start := time.Now()
	c.log.InfoContext(ctx, "sub.start")

	for {
		v, err := stream.Next(ctx)
		if err != nil {
			// Stopped subscriptions may also surface as EOF when the stream
			// is bound to ctx; a stop never sends an end.
			switch {
			case ctx.Err() != nil:
				c.log.InfoContext(ctx, "sub.stop", slog.Duration("dur", time.Since(start)))
			case errors.Is(err, io.EOF):
				c.notify(MethodSubscriptionEnd, EndParams{ID: subID})
				c.log.InfoContext(ctx, "sub.end", slog.Duration("dur", time.Since(start)))
			default:
				c.notify(MethodSubscriptionEnd, EndParams{ID: subID, Error: rpc.AsError(err)})
				c.log.ErrorContext(ctx, "sub.fail", slog.String("err", err.Error()))
			}
			return
		}
		c.notify(MethodSubscriptionEvent, EventParams{ID: subID, Data: v})
	}
}

func (c *Conn) stopSubscription(req *jsonrpc.Request) {
	var p StopParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		if !req.IsNotification() {
			c.sendError(req.ID, rpc.Reject(rpc.BadRequest, "subscription.stop requires an id"))
		}
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[p.ID]
	delete(c.subs, p.ID)
	c.mu.Unlock()

	if ok {
		sub.cancel()
	}
	if req.IsNotification() {
		return
	}
	if !ok {
		c.sendError(req.ID, rpc.NewError(rpc.NotFound, "subscription %q not found", p.ID))
		return
	}
	c.sendResult(c.ctx, req.ID, true)
}

// forget drops subID if it still refers to sub; a stop followed by a new
// start under the same id must not lose the newer entry.
func (c *Conn) forget(subID string, sub *activeSub) {
	c.mu.Lock()
	if c.subs[subID] == sub {
		delete(c.subs, subID)
	}
	c.mu.Unlock()
}
