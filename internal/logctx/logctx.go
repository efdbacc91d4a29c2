// Package logctx carries per-request log attributes on a context and appends
// them to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler, adding req, conn, rpc and sub groups
// drawn from the record's context.
type Handler struct {
	slog.Handler
}

// New wraps h. A nil h yields a handler that discards everything.
func New(h slog.Handler) Handler {
	if h == nil {
		h = slog.DiscardHandler
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("transport", cd.Transport),
		))
	}

	if call, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("procedure", call.Procedure),
			slog.String("id", call.ID),
			slog.String("kind", call.Kind),
		))
	}

	if sd, ok := ctx.Value(subDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("id", sd.SubscriptionID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the wrapper in place so derived loggers still
// see context attributes.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

// ConnData identifies a long-lived connection such as a WebSocket.
type ConnData struct {
	ConnID    string
	Transport string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type callDataKey struct{}

// CallData describes the procedure call being served.
type CallData struct {
	Procedure string
	ID        string
	Kind      string
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}

type subDataKey struct{}

type SubscriptionData struct {
	SubscriptionID string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subDataKey{}, data)
}
