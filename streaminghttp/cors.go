package streaminghttp

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSConfig controls cross-origin access to the handler.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins; "*" permits any.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORS allows any origin to call the API.
func DefaultCORS() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		MaxAge:         10 * time.Minute,
	}
}

func (c *CORSConfig) allowOrigin(origin string) bool {
	return slices.Contains(c.AllowedOrigins, "*") || slices.Contains(c.AllowedOrigins, origin)
}

// apply sets the response headers for an actual (non-preflight) request.
func (c *CORSConfig) apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !c.allowOrigin(origin) {
		return false
	}

	h := w.Header()
	// Credentials cannot be combined with a wildcard origin.
	if slices.Contains(c.AllowedOrigins, "*") && !c.AllowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	return true
}

func (c *CORSConfig) preflight(w http.ResponseWriter, r *http.Request) {
	if c.apply(w, r) {
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		if c.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(int(c.MaxAge.Seconds())))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
