package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Challenge builds a WWW-Authenticate value for a failed bearer
// authentication (RFC 6750 section 3). A nil err yields a bare challenge
// inviting the client to authenticate.
func Challenge(realm string, err error) string {
	params := []string{fmt.Sprintf("realm=%s", quote(realm))}

	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientScope):
		params = append(params, `error="insufficient_scope"`)
	case errors.Is(err, ErrUnauthorized):
		params = append(params, `error="invalid_token"`)
	default:
		params = append(params, `error="invalid_request"`)
	}

	return "Bearer " + strings.Join(params, ", ")
}

// ResourceMetadataChallenge is Challenge with a resource_metadata parameter
// pointing clients at the protected resource metadata document (RFC 9728
// section 5.1).
func ResourceMetadataChallenge(realm string, err error, metadataURL string) string {
	c := Challenge(realm, err)
	if metadataURL == "" {
		return c
	}
	return c + ", resource_metadata=" + quote(metadataURL)
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
