package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Default request headers consulted when deriving a client identity.
const (
	HeaderAPIKey       = "X-Api-Key"
	HeaderUserID       = "X-User-Id"
	HeaderForwardedFor = "X-Forwarded-For"
)

// Extractor extracts a client identity from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

var _ Extractor = &clientIdentityExtractor{}

// clientIdentityExtractor derives the partition key for all per-client state.
// Priority order: API key, authenticated user id, forwarded client IP, direct
// IP. The identity is never created or destroyed explicitly, only derived.
type clientIdentityExtractor struct {
	apiKeyHeader string
	userIDHeader string
}

// NewClientIdentityExtractor creates an Extractor using the default headers.
func NewClientIdentityExtractor() Extractor {
	return &clientIdentityExtractor{
		apiKeyHeader: HeaderAPIKey,
		userIDHeader: HeaderUserID,
	}
}

// Extract derives the client identity from request attributes.
func (e *clientIdentityExtractor) Extract(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(e.apiKeyHeader)); key != "" {
		return "key:" + key, nil
	}
	if user := strings.TrimSpace(r.Header.Get(e.userIDHeader)); user != "" {
		return "user:" + user, nil
	}
	return "ip:" + ClientIP(r), nil
}

// ClientIP returns the originating client IP for the request, preferring the
// first X-Forwarded-For hop over the direct peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
