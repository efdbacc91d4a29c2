package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ggoodman/rpc-server-go/auth"
	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/rpc"
)

// Authenticate verifies a bearer token and stores the resulting
// auth.UserInfo. The token comes from the Authorization header, or failing
// that from the cookie named cookieName (when non-empty) so browser clients
// on WebSocket connections can authenticate too.
func Authenticate(authn auth.Authenticator, cookieName string) rpc.Middleware {
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		tok, err := bearerToken(caps, cookieName)
		if err != nil {
			return nil, err
		}

		ui, err := authn.CheckAuthentication(ctx, tok)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInsufficientScope):
			return nil, rpc.Wrap(rpc.Forbidden, "insufficient scope", err)
		default:
			return nil, rpc.Wrap(rpc.Unauthorized, "invalid token", err)
		}

		capability.Insert(caps, ui)
		return next(ctx, caps)
	}
}

func bearerToken(caps *capability.Registry, cookieName string) (string, error) {
	if req, err := capability.Get[*http.Request](caps); err == nil && req != nil {
		if h := req.Header.Get("Authorization"); h != "" {
			scheme, tok, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
				return "", rpc.Reject(rpc.Unauthorized, "malformed authorization header")
			}
			return strings.TrimSpace(tok), nil
		}
	}

	if cookieName != "" {
		if jar, err := capability.Get[CookieJar](caps); err == nil {
			if c, ok := jar.Get(cookieName); ok && c.Value != "" {
				return c.Value, nil
			}
		}
	}

	return "", rpc.Reject(rpc.Unauthorized, "missing credentials")
}

// Provide stores v for every call, typically a shared handle such as the
// event bus.
func Provide[T any](v T) rpc.Middleware {
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		capability.Insert(caps, v)
		return next(ctx, caps)
	}
}
