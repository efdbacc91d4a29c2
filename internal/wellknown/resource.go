// Package wellknown serves the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) that tells clients which authorization servers issue
// tokens for the RPC endpoints.
package wellknown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourcePath is the well-known prefix for resource metadata.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResource is the subset of RFC 9728 metadata this server
// advertises.
type ProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResource describes resource, protected by tokens from issuer
// presented in the Authorization header.
func NewProtectedResource(resource, issuer string) (*ProtectedResource, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("wellknown: invalid resource %q: %w", resource, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("wellknown: resource %q must be an absolute http(s) URL", resource)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("wellknown: resource %q must not have a fragment", resource)
	}
	return &ProtectedResource{
		Resource:               u.String(),
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"header"},
	}, nil
}

// MetadataPath is where the document for p is served: the well-known prefix
// followed by the resource's own path.
func (p *ProtectedResource) MetadataPath() string {
	u, err := url.Parse(p.Resource)
	if err != nil {
		return ProtectedResourcePath
	}
	return ProtectedResourcePath + strings.TrimSuffix(u.EscapedPath(), "/")
}

// MetadataURL is the absolute URL of the document, for resource_metadata
// parameters in WWW-Authenticate challenges.
func (p *ProtectedResource) MetadataURL() string {
	u, err := url.Parse(p.Resource)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: p.MetadataPath()}).String()
}

// Handler serves the document as JSON.
func (p *ProtectedResource) Handler() http.Handler {
	body, err := json.Marshal(p)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	})
}
