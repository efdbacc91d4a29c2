package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/auth/authtest"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/middleware"
	"github.com/ggoodman/rpc-server-go/rpc"
)

func call(t *testing.T, req *http.Request, mws []rpc.Middleware, handler func(context.Context, *capability.Registry, struct{}) (string, error)) (any, error) {
	t.Helper()
	r := rpc.NewRouter(rpc.WithMiddleware(mws...))
	r.MustRegister("proc", rpc.Query(handler))

	caps := capability.New()
	if req != nil {
		capability.Insert(caps, req)
	}
	return r.Call(context.Background(), "proc", caps, nil)
}

func requireCode(t *testing.T, err error, code rpc.Code) {
	t.Helper()
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestCookies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc"})

	res, err := call(t, req, []rpc.Middleware{middleware.Cookies()}, func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		jar, err := capability.Get[middleware.CookieJar](caps)
		if err != nil {
			return "", err
		}
		c, ok := jar.Get("session")
		if !ok {
			return "", errors.New("session cookie missing")
		}
		return c.Value, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "abc" {
		t.Fatalf("expected abc, got %v", res)
	}
}

func TestCookiesWithoutRequest(t *testing.T) {
	ran := false
	_, err := call(t, nil, []rpc.Middleware{middleware.Cookies()}, func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		ran = true
		return "", nil
	})
	requireCode(t, err, rpc.InternalServerError)
	if !strings.Contains(err.Error(), "failed to find cookies in the request") {
		t.Fatalf("unexpected message: %v", err)
	}
	if ran {
		t.Fatal("handler ran despite rejection")
	}
}

func TestRequireSession(t *testing.T) {
	handler := func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		s, err := capability.Get[middleware.Session](caps)
		return s.Token, err
	}
	chain := []rpc.Middleware{middleware.Cookies(), middleware.RequireSession("session")}

	withCookie := httptest.NewRequest(http.MethodGet, "/", nil)
	withCookie.AddCookie(&http.Cookie{Name: "session", Value: "tok"})
	res, err := call(t, withCookie, chain, handler)
	if err != nil || res != "tok" {
		t.Fatalf("unexpected %v, %v", res, err)
	}

	_, err = call(t, httptest.NewRequest(http.MethodGet, "/", nil), chain, handler)
	requireCode(t, err, rpc.Unauthorized)

	// Without Cookies earlier in the chain the jar is a missing capability.
	_, err = call(t, withCookie, []rpc.Middleware{middleware.RequireSession("session")}, handler)
	requireCode(t, err, rpc.InternalServerError)
}

func TestAuthenticate(t *testing.T) {
	authn := authtest.Tokens{"good": "user-1"}
	scoped := auth.AuthenticatorFunc(func(ctx context.Context, tok string) (auth.UserInfo, error) {
		return nil, auth.ErrInsufficientScope
	})

	handler := func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		ui, err := capability.Get[auth.UserInfo](caps)
		if err != nil {
			return "", err
		}
		return ui.UserID(), nil
	}

	tests := []struct {
		name    string
		authn   auth.Authenticator
		header  string
		cookie  string
		want    string
		code    rpc.Code
		wantErr bool
	}{
		{name: "bearer header", authn: authn, header: "Bearer good", want: "user-1"},
		{name: "lowercase scheme", authn: authn, header: "bearer good", want: "user-1"},
		{name: "cookie fallback", authn: authn, cookie: "good", want: "user-1"},
		{name: "unknown token", authn: authn, header: "Bearer bad", wantErr: true, code: rpc.Unauthorized},
		{name: "malformed header", authn: authn, header: "Basic abc", wantErr: true, code: rpc.Unauthorized},
		{name: "no credentials", authn: authn, wantErr: true, code: rpc.Unauthorized},
		{name: "insufficient scope", authn: scoped, header: "Bearer any", wantErr: true, code: rpc.Forbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "session", Value: tt.cookie})
			}

			res, err := call(t, req, []rpc.Middleware{middleware.Cookies(), middleware.Authenticate(tt.authn, "session")}, handler)
			if tt.wantErr {
				requireCode(t, err, tt.code)
				return
			}
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if res != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, res)
			}
		})
	}
}

func TestProvide(t *testing.T) {
	bus := emitter.New[int]()
	defer bus.Close()

	res, err := call(t, nil, []rpc.Middleware{middleware.Provide[emitter.Bus[int]](bus)}, func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		b, err := capability.Get[emitter.Bus[int]](caps)
		if err != nil {
			return "", err
		}
		if n := b.Emit("ping", 1); n != 0 {
			return "", errors.New("unexpected listener")
		}
		return "ok", nil
	})
	if err != nil || res != "ok" {
		t.Fatalf("unexpected %v, %v", res, err)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := call(t, nil, []rpc.Middleware{middleware.Logging(log)}, func(ctx context.Context, caps *capability.Registry, _ struct{}) (string, error) {
		return "", rpc.Reject(rpc.Conflict, "taken")
	})
	requireCode(t, err, rpc.Conflict)

	out := buf.String()
	if !strings.Contains(out, "rpc.call.start") || !strings.Contains(out, "rpc.call.fail") || !strings.Contains(out, "code=CONFLICT") {
		t.Fatalf("unexpected log output:\n%s", out)
	}
}
