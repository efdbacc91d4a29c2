package middleware

import (
	"context"
	"net/http"

	"github.com/ggoodman/rpc-server-go/capability"
	"github.com/ggoodman/rpc-server-go/rpc"
)

// CookieJar holds the cookies sent with the request that started a call.
type CookieJar struct {
	cookies []*http.Cookie
}

// NewCookieJar wraps cookies.
func NewCookieJar(cookies ...*http.Cookie) CookieJar {
	return CookieJar{cookies: cookies}
}

// Get returns the first cookie named name.
func (j CookieJar) Get(name string) (*http.Cookie, bool) {
	for _, c := range j.cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// All returns every cookie.
func (j CookieJar) All() []*http.Cookie { return j.cookies }

func (j CookieJar) Len() int { return len(j.cookies) }

// Cookies parses the request's cookies into a CookieJar. The transport must
// have provided the *http.Request.
func Cookies() rpc.Middleware {
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		req, err := capability.Get[*http.Request](caps)
		if err != nil || req == nil {
			return nil, rpc.Wrap(rpc.InternalServerError, "failed to find cookies in the request", err)
		}
		capability.Insert(caps, NewCookieJar(req.Cookies()...))
		return next(ctx, caps)
	}
}

// Session is the value of the session cookie.
type Session struct {
	Token string
}

// RequireSession rejects calls without the named cookie and stores its value
// as a Session. It needs Cookies earlier in the chain.
func RequireSession(name string) rpc.Middleware {
	return func(ctx context.Context, caps *capability.Registry, next rpc.Next) (any, error) {
		jar, err := capability.Get[CookieJar](caps)
		if err != nil {
			return nil, err
		}
		c, ok := jar.Get(name)
		if !ok || c.Value == "" {
			return nil, rpc.Reject(rpc.Unauthorized, "missing session")
		}
		capability.Insert(caps, Session{Token: c.Value})
		return next(ctx, caps)
	}
}
