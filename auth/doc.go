// Package auth provides bearer token authentication for procedures.
//
// An Authenticator validates an incoming token string and returns a UserInfo
// (or an error). Extracting the token from a request is left to the caller;
// the middleware package reads it from the Authorization header or a cookie.
//
// NewFromDiscovery constructs an Authenticator that validates JWT access
// tokens using OpenID Connect discovery to find the issuer's JWKS:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://rpc.example",
//	    auth.WithRequiredScopes("rpc:read"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(ctx, token)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 */ }
//
// By default only RS256 tokens with an RFC 9068 "at+jwt" type are accepted.
// WithAllowedAlgs, WithPlainJWT and WithLeeway relax that.
package auth
