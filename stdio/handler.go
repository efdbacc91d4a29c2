package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/logctx"
	"github.com/ggoodman/rpc-server-go/internal/rpcconn"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/google/uuid"
)

const defaultMaxLine = 1 << 20

// ErrAlreadyServing is returned by a second call to Serve.
var ErrAlreadyServing = errors.New("stdio: handler is already serving")

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. It identifies the peer using a UserProvider, which
// defaults to the current OS user.
type Handler struct {
	router       *rpc.Router
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	contextFunc  ContextFunc
	maxLine      int

	serving atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(router *rpc.Router, opts ...Option) *Handler {
	h := &Handler{
		router:       router,
		r:            os.Stdin,
		w:            os.Stdout,
		userProvider: OSUserProvider{},
		maxLine:      defaultMaxLine,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.l == nil {
		h.l = slog.New(slog.DiscardHandler)
	}
	h.l = slog.New(logctx.New(h.l.Handler()))
	return h
}

// Serve runs the event loop until EOF on the reader, a write failure or the
// context is canceled. EOF is a clean shutdown: calls already read are
// answered, open subscriptions are closed and Serve returns nil. It is safe
// to call at most once per Handler.
//
// A reader that blocks forever (a terminal, say) keeps one goroutine parked
// in Read after Serve returns on cancellation.
func (h *Handler) Serve(ctx context.Context) error {
	if h.router == nil {
		return fmt.Errorf("stdio: router is required")
	}
	if !h.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}

	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}
	user := localUser{id: uid}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: uuid.NewString(), Transport: "stdio"})
	start := time.Now()
	h.l.InfoContext(ctx, "stdio.conn.open", slog.String("user", uid))

	writeFailed := make(chan error, 1)
	c := rpcconn.New(ctx, rpcconn.Config{
		Router: h.router,
		Logger: h.l,
		NewRegistry: func() (*capability.Registry, error) {
			caps := capability.New()
			capability.Insert[auth.UserInfo](caps, user)
			if h.contextFunc != nil {
				if err := h.contextFunc(ctx, caps); err != nil {
					return nil, err
				}
			}
			return caps, nil
		},
		Write: func(b []byte) error {
			_, err := h.w.Write(append(b, '\n'))
			return err
		},
		OnWriteError: func(err error) { writeFailed <- err },
	})
	defer func() {
		c.Close()
		h.l.InfoContext(ctx, "stdio.conn.close", slog.Duration("dur", time.Since(start)))
	}()

	lines := make(chan []byte)
	readDone := make(chan error, 1)
	go h.readLoop(c.Context(), lines, readDone)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-writeFailed:
			return fmt.Errorf("stdio: write: %w", err)
		case err := <-readDone:
			if err != nil {
				h.l.WarnContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			c.Drain()
			return nil
		case line := <-lines:
			c.Handle(line)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, lines chan<- []byte, done chan<- error) {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- bytes.Clone(line):
		case <-ctx.Done():
			return
		}
	}
	done <- sc.Err()
}
