package rpcconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/internal/rpcconn"
	"github.com/ggoodman/rpc-server-go/rpc"
)

type message struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int `json:"code"`
		Data struct {
			Code string `json:"code"`
		} `json:"data"`
	} `json:"error"`
}

// releasedStream reports io.EOF once ctx ends, the way a bus subscription
// bound to the same context does.
type releasedStream struct {
	closed chan struct{}
}

func (s *releasedStream) Next(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, io.EOF
}

func (s *releasedStream) Close() error {
	close(s.closed)
	return nil
}

func newConn(t *testing.T, cfg rpcconn.Config) (*rpcconn.Conn, <-chan message) {
	t.Helper()

	r := rpc.NewRouter()
	r.MustRegister("double", rpc.Query(func(ctx context.Context, caps *capability.Registry, in int) (int, error) {
		return in * 2, nil
	}))
	r.MustRegister("tenant", rpc.Query(func(ctx context.Context, caps *capability.Registry, in struct{}) (string, error) {
		return capability.Get[string](caps)
	}))
	r.MustRegister("forever", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct{}) (rpc.Stream[int], error) {
		return rpc.Generate(func(ctx context.Context, yield func(int) bool) error {
			<-ctx.Done()
			return nil
		}), nil
	}))
	r.MustRegister("released", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct{}) (rpc.Stream[int], error) {
		closed, err := capability.Get[chan struct{}](caps)
		if err != nil {
			return nil, err
		}
		return &releasedStream{closed: closed}, nil
	}))
	r.MustRegister("broken", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct{}) (rpc.Stream[int], error) {
		return rpc.Generate(func(ctx context.Context, yield func(int) bool) error {
			if !yield(1) {
				return nil
			}
			return rpc.Reject(rpc.Forbidden, "revoked")
		}), nil
	}))

	out := make(chan message, 16)
	cfg.Router = r
	if cfg.Write == nil {
		cfg.Write = func(b []byte) error {
			var m message
			if err := json.Unmarshal(b, &m); err != nil {
				t.Errorf("unmarshal %s: %v", b, err)
			}
			out <- m
			return nil
		}
	}
	c := rpcconn.New(context.Background(), cfg)
	t.Cleanup(c.Close)
	return c, out
}

func next(t *testing.T, out <-chan message) message {
	t.Helper()
	select {
	case m := <-out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return message{}
	}
}

func TestCallResultAndRegistry(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{
		NewRegistry: func() (*capability.Registry, error) {
			caps := capability.New()
			capability.Insert(caps, "acme")
			return caps, nil
		},
	})

	c.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"double","params":21}`))
	if m := next(t, out); string(m.Result) != "42" {
		t.Fatalf("result = %s, want 42", m.Result)
	}

	c.Handle([]byte(`{"jsonrpc":"2.0","id":2,"method":"tenant"}`))
	if m := next(t, out); string(m.Result) != `"acme"` {
		t.Fatalf("result = %s, want \"acme\"", m.Result)
	}
}

func TestRegistryFailure(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{
		NewRegistry: func() (*capability.Registry, error) {
			return nil, rpc.Reject(rpc.Unauthorized, "no identity")
		},
	})

	c.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"double","params":1}`))
	m := next(t, out)
	if m.Error == nil || m.Error.Data.Code != string(rpc.Unauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %+v", m.Error)
	}
}

func TestBatchRejected(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{})

	c.Handle([]byte(`[{"jsonrpc":"2.0","id":1,"method":"double","params":1}]`))
	m := next(t, out)
	if m.Error == nil || m.Error.Code != -32600 || string(m.ID) != "null" {
		t.Fatalf("expected invalid request with null id, got id=%s err=%+v", m.ID, m.Error)
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{})

	c.Handle([]byte(`{"jsonrpc":"2.0","method":"double","params":1}`))
	c.Handle([]byte(`{"jsonrpc":"2.0","id":"after","method":"double","params":2}`))
	if m := next(t, out); string(m.ID) != `"after"` {
		t.Fatalf("first message id = %s, want \"after\"", m.ID)
	}
}

func TestSubscriptionFailureEnds(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{})

	c.Handle([]byte(`{"jsonrpc":"2.0","id":"s","method":"subscription.start","params":{"path":"broken"}}`))
	if m := next(t, out); string(m.Result) != `{"id":"s"}` {
		t.Fatalf("start result = %s", m.Result)
	}
	if m := next(t, out); m.Method != rpcconn.MethodSubscriptionEvent {
		t.Fatalf("method = %q, want event", m.Method)
	}

	m := next(t, out)
	if m.Method != rpcconn.MethodSubscriptionEnd {
		t.Fatalf("method = %q, want end", m.Method)
	}
	var p rpcconn.EndParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ID != "s" || p.Error == nil || p.Error.Code != rpc.Forbidden {
		t.Fatalf("end params = %+v", p)
	}
}

func TestStopThenRestartSameID(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{})

	start := []byte(`{"jsonrpc":"2.0","id":"s","method":"subscription.start","params":{"path":"forever"}}`)
	c.Handle(start)
	if m := next(t, out); m.Error != nil {
		t.Fatalf("start: %+v", m.Error)
	}
	c.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"subscription.stop","params":{"id":"s"}}`))
	if m := next(t, out); string(m.Result) != "true" {
		t.Fatalf("stop result = %s", m.Result)
	}

	c.Handle(start)
	if m := next(t, out); m.Error != nil {
		t.Fatalf("restart: %+v", m.Error)
	}
	// The first pump winding down must not remove the second entry.
	time.Sleep(20 * time.Millisecond)
	c.Handle([]byte(`{"jsonrpc":"2.0","id":2,"method":"subscription.stop","params":{"id":"s"}}`))
	if m := next(t, out); string(m.Result) != "true" {
		t.Fatalf("second stop result = %s err=%+v", m.Result, m.Error)
	}
}

func TestWriteFailureEndsConn(t *testing.T) {
	failed := make(chan error, 1)
	c, _ := newConn(t, rpcconn.Config{
		Write:        func([]byte) error { return errors.New("broken pipe") },
		OnWriteError: func(err error) { failed <- err },
	})

	c.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"double","params":1}`))
	select {
	case err := <-failed:
		if err.Error() != "broken pipe" {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnWriteError not called")
	}
	select {
	case <-c.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after write failure")
	}
}

func TestDrainFlushesPendingCalls(t *testing.T) {
	c, out := newConn(t, rpcconn.Config{})

	for i := range 5 {
		c.Handle([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"double","params":%d}`, i, i)))
	}
	c.Drain()
	if got := len(out); got != 5 {
		t.Fatalf("responses written before Drain returned = %d, want 5", got)
	}
}

func TestStopSendsNoEndEvenOnEOF(t *testing.T) {
	closed := make(chan struct{})
	c, out := newConn(t, rpcconn.Config{
		NewRegistry: func() (*capability.Registry, error) {
			caps := capability.New()
			capability.Insert(caps, closed)
			return caps, nil
		},
	})

	c.Handle([]byte(`{"jsonrpc":"2.0","id":"s","method":"subscription.start","params":{"path":"released"}}`))
	if m := next(t, out); m.Error != nil {
		t.Fatalf("start: %+v", m.Error)
	}
	c.Handle([]byte(`{"jsonrpc":"2.0","id":1,"method":"subscription.stop","params":{"id":"s"}}`))
	if m := next(t, out); string(m.Result) != "true" {
		t.Fatalf("stop result = %s", m.Result)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after stop")
	}
	c.Drain()
	select {
	case m := <-out:
		t.Fatalf("unexpected message after stop: method=%q params=%s", m.Method, m.Params)
	default:
	}
}
