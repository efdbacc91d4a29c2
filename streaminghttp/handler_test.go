package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/auth/authtest"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/middleware"
	"github.com/ggoodman/rpc-server-go/rpc"
	"github.com/ggoodman/rpc-server-go/streaminghttp"
)

type echoInput struct {
	Text string `json:"text"`
}

func newTestRouter(t *testing.T) *rpc.Router {
	t.Helper()
	r := rpc.NewRouter()
	r.MustRegister("echo", rpc.Query(func(ctx context.Context, caps *capability.Registry, in echoInput) (string, error) {
		return in.Text, nil
	}))
	r.MustRegister("whoami", rpc.Query(func(ctx context.Context, caps *capability.Registry, in struct{}) (string, error) {
		u, err := capability.Get[auth.UserInfo](caps)
		if err != nil {
			return "", err
		}
		return u.UserID(), nil
	}).With(middleware.Authenticate(authtest.Tokens{"good": "user-1"}, "")))
	r.MustRegister("conflict", rpc.Mutation(func(ctx context.Context, caps *capability.Registry, in struct{}) (bool, error) {
		return false, rpc.Reject(rpc.Conflict, "already exists")
	}))
	r.MustRegister("pings", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct{}) (rpc.Stream[int], error) {
		bus, err := capability.Get[*emitter.Emitter[int]](caps)
		if err != nil {
			return nil, err
		}
		return bus.SubscribeContext(ctx, "ping"), nil
	}))
	r.MustRegister("hangup", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct{}) (rpc.Stream[int], error) {
		return eofOnCancel{}, nil
	}))
	r.MustRegister("count", rpc.Subscription(func(ctx context.Context, caps *capability.Registry, in struct {
		N int `json:"n"`
	}) (rpc.Stream[int], error) {
		return rpc.Generate(func(ctx context.Context, yield func(int) bool) error {
			for i := range in.N {
				if !yield(i) {
					return nil
				}
			}
			return nil
		}), nil
	}))
	return r
}

// eofOnCancel ends with io.EOF rather than the context error, like a bus
// subscription whose listener is released by the same cancellation.
type eofOnCancel struct{}

func (eofOnCancel) Next(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, io.EOF
}

func (eofOnCancel) Close() error { return nil }

func newTestServer(t *testing.T, bus *emitter.Emitter[int], opts ...streaminghttp.Option) *httptest.Server {
	t.Helper()
	opts = append([]streaminghttp.Option{
		streaminghttp.WithLogger(slog.New(testLogHandler(t))),
		streaminghttp.WithBasePath("/rpc"),
		streaminghttp.WithContextFunc(func(r *http.Request, caps *capability.Registry) error {
			if bus != nil {
				capability.Insert(caps, bus)
			}
			return nil
		}),
	}, opts...)
	h, err := streaminghttp.New(newTestRouter(t), opts...)
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Code string `json:"code"`
		} `json:"data"`
	} `json:"error"`
}

func postRPC(t *testing.T, srv *httptest.Server, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeRPC(t *testing.T, res *http.Response) rpcResponse {
	t.Helper()
	var out rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestPostQuery(t *testing.T) {
	srv := newTestServer(t, nil)

	res := postRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"hi"}}`, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	out := decodeRPC(t, res)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	if string(out.ID) != "1" || string(out.Result) != `"hi"` {
		t.Fatalf("unexpected response: id=%s result=%s", out.ID, out.Result)
	}
}

func TestPostErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		header     http.Header
		wantStatus int
		wantCode   string
		wantRPC    int
	}{
		{
			name:       "unknown procedure",
			body:       `{"jsonrpc":"2.0","id":"a","method":"nope"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
			wantRPC:    -32601,
		},
		{
			name:       "bad input",
			body:       `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"text":5}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
			wantRPC:    -32602,
		},
		{
			name:       "subscription over POST",
			body:       `{"jsonrpc":"2.0","id":3,"method":"count","params":{"n":1}}`,
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "METHOD_NOT_SUPPORTED",
			wantRPC:    -32005,
		},
		{
			name:       "handler rejection",
			body:       `{"jsonrpc":"2.0","id":4,"method":"conflict"}`,
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
			wantRPC:    -32009,
		},
		{
			name:       "missing credentials",
			body:       `{"jsonrpc":"2.0","id":5,"method":"whoami"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
			wantRPC:    -32001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postRPC(t, srv, tt.body, tt.header)
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			out := decodeRPC(t, res)
			if out.Error == nil {
				t.Fatalf("expected error response, got result %s", out.Result)
			}
			if out.Error.Data.Code != tt.wantCode {
				t.Fatalf("data.code = %q, want %q", out.Error.Data.Code, tt.wantCode)
			}
			if out.Error.Code != tt.wantRPC {
				t.Fatalf("error.code = %d, want %d", out.Error.Code, tt.wantRPC)
			}
		})
	}
}

func TestPostAuthentication(t *testing.T) {
	srv := newTestServer(t, nil, streaminghttp.WithRealm("example"))

	res := postRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"whoami"}`, http.Header{"Authorization": {"Bearer bad"}})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	want := `Bearer realm="example", error="invalid_token"`
	if got := res.Header.Get("WWW-Authenticate"); got != want {
		t.Fatalf("WWW-Authenticate = %q, want %q", got, want)
	}

	res = postRPC(t, srv, `{"jsonrpc":"2.0","id":2,"method":"whoami"}`, http.Header{"Authorization": {"Bearer good"}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if out := decodeRPC(t, res); string(out.Result) != `"user-1"` {
		t.Fatalf("result = %s, want \"user-1\"", out.Result)
	}
}

func TestPostAuthenticationAdvertisesMetadata(t *testing.T) {
	const metadata = "https://api.example.com/.well-known/oauth-protected-resource/rpc"
	srv := newTestServer(t, nil, streaminghttp.WithResourceMetadata(metadata))

	res := postRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"whoami"}`, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	want := `Bearer realm="rpc", resource_metadata="` + metadata + `"`
	if got := res.Header.Get("WWW-Authenticate"); got != want {
		t.Fatalf("WWW-Authenticate = %q, want %q", got, want)
	}
}

func TestPostTransportRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	t.Run("content type", func(t *testing.T) {
		res, err := http.Post(srv.URL+"/rpc", "text/plain", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d, want 415", res.StatusCode)
		}
	})

	t.Run("batch", func(t *testing.T) {
		res := postRPC(t, srv, `[{"jsonrpc":"2.0","id":1,"method":"echo"}]`, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", res.StatusCode)
		}
		var body struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code != http.StatusBadRequest || !strings.Contains(body.Error.Message, "batch") {
			t.Fatalf("unexpected error body: %+v", body.Error)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		res := postRPC(t, srv, `{"jsonrpc":`, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", res.StatusCode)
		}
	})
}

func TestPostNotification(t *testing.T) {
	r := rpc.NewRouter()
	called := make(chan struct{}, 1)
	r.MustRegister("touch", rpc.Mutation(func(ctx context.Context, caps *capability.Registry, in struct{}) (struct{}, error) {
		called <- struct{}{}
		return struct{}{}, nil
	}))
	h, err := streaminghttp.New(r, streaminghttp.WithLogger(slog.New(testLogHandler(t))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"touch"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	select {
	case <-called:
	default:
		t.Fatal("notification did not run the procedure")
	}
}

func TestGetQuery(t *testing.T) {
	srv := newTestServer(t, nil)

	res, err := http.Get(srv.URL + "/rpc/echo?input=" + url.QueryEscape(`{"text":"over get"}`))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result != "over get" {
		t.Fatalf("result = %q", out.Result)
	}

	res2, err := http.Get(srv.URL + "/rpc/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res2.StatusCode)
	}
}

func openStream(t *testing.T, ctx context.Context, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("status = %d, body = %s", res.StatusCode, b)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	return res
}

func TestSubscriptionStream(t *testing.T) {
	bus := emitter.New[int]()
	defer bus.Close()
	srv := newTestServer(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := openStream(t, ctx, srv, "/rpc/pings")

	waitFor(t, func() bool { return bus.ListenerCount("ping") == 1 })

	br := bufio.NewReader(res.Body)
	for i := 1; i <= 3; i++ {
		if n := bus.Emit("ping", i); n != 1 {
			t.Fatalf("Emit delivered to %d listeners, want 1", n)
		}
		ev, err := readOneSSE(br)
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		if ev.id == "" {
			t.Fatalf("event %d has no id", i)
		}
		var got int
		if err := json.Unmarshal(ev.data, &got); err != nil {
			t.Fatalf("unmarshal %q: %v", ev.data, err)
		}
		if got != i {
			t.Fatalf("event %d carried %d", i, got)
		}
	}

	cancel()
	waitFor(t, func() bool { return bus.ListenerCount("ping") == 0 })
}

func TestSubscriptionCompletes(t *testing.T) {
	srv := newTestServer(t, nil)

	res := openStream(t, context.Background(), srv, "/rpc/count?input="+url.QueryEscape(`{"n":3}`))
	br := bufio.NewReader(res.Body)

	var ids []string
	for want := range 3 {
		ev, err := readOneSSE(br)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(ev.data) != mustJSONString(want) {
			t.Fatalf("data = %s, want %d", ev.data, want)
		}
		ids = append(ids, ev.id)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("event ids are not unique: %v", ids)
	}

	ev, err := readOneSSE(br)
	if err != nil {
		t.Fatalf("read end: %v", err)
	}
	if ev.event != "end" {
		t.Fatalf("final event = %q, want end", ev.event)
	}
}

func TestSubscriptionDisconnectWritesNoEnd(t *testing.T) {
	h, err := streaminghttp.New(newTestRouter(t), streaminghttp.WithBasePath("/rpc"))
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/rpc/hangup", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	if body := rec.Body.String(); strings.Contains(body, "event: end") {
		t.Fatalf("disconnected stream wrote an end event: %q", body)
	}
}

func TestSubscriptionRejectsWithoutEventStream(t *testing.T) {
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rpc/count", nil)
	req.Header.Set("Accept", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", res.StatusCode)
	}
}

func TestSubscriptionSetupFailure(t *testing.T) {
	// No bus in the registry: the subscription cannot start.
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rpc/pings", nil)
	req.Header.Set("Accept", "text/event-stream")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
	out := decodeRPC(t, res)
	if out.Error == nil || !strings.Contains(out.Error.Message, "emitter.Emitter[int]") {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
}

func TestHeartbeat(t *testing.T) {
	bus := emitter.New[int]()
	defer bus.Close()
	srv := newTestServer(t, bus, streaminghttp.WithHeartbeat(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := openStream(t, ctx, srv, "/rpc/pings")

	br := bufio.NewReader(res.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil, streaminghttp.WithCORS(streaminghttp.DefaultCORS()))

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/rpc", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("allow-methods = %q", got)
	}

	post := postRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"x"}}`, http.Header{"Origin": {"https://app.example.com"}})
	if got := post.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin on POST = %q", got)
	}
}

func TestNewRequiresRouter(t *testing.T) {
	if _, err := streaminghttp.New(nil); err == nil {
		t.Fatal("expected error for nil router")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustJSONString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type sseEvent struct {
	id    string
	event string
	data  []byte
}

// readOneSSE reads the next event from br, skipping comment-only frames.
func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
		seen    bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !seen {
				continue
			}
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "id: "):
			event.id = strings.TrimPrefix(line, "id: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			seen = true
		}
	}
}

// logBridge forwards slog output to t.Log so it interleaves with test output.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	var buf bytes.Buffer
	return &logBridge{
		t:       t,
		buf:     &buf,
		mu:      &sync.Mutex{},
		Handler: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
}
