package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIdentityExtractor(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{
			name:       "api key wins over everything",
			headers:    map[string]string{HeaderAPIKey: "abc123", HeaderUserID: "42", HeaderForwardedFor: "198.51.100.1"},
			remoteAddr: "203.0.113.7:51234",
			expected:   "key:abc123",
		},
		{
			name:       "user id wins over ip",
			headers:    map[string]string{HeaderUserID: "42", HeaderForwardedFor: "198.51.100.1"},
			remoteAddr: "203.0.113.7:51234",
			expected:   "user:42",
		},
		{
			name:       "blank api key is ignored",
			headers:    map[string]string{HeaderAPIKey: "   ", HeaderUserID: "42"},
			remoteAddr: "203.0.113.7:51234",
			expected:   "user:42",
		},
		{
			name:       "forwarded-for first hop",
			headers:    map[string]string{HeaderForwardedFor: "198.51.100.1, 10.0.0.2, 10.0.0.3"},
			remoteAddr: "203.0.113.7:51234",
			expected:   "ip:198.51.100.1",
		},
		{
			name:       "single forwarded-for entry",
			headers:    map[string]string{HeaderForwardedFor: "198.51.100.1"},
			remoteAddr: "203.0.113.7:51234",
			expected:   "ip:198.51.100.1",
		},
		{
			name:       "direct peer address",
			remoteAddr: "203.0.113.7:51234",
			expected:   "ip:203.0.113.7",
		},
		{
			name:       "peer address without port",
			remoteAddr: "203.0.113.7",
			expected:   "ip:203.0.113.7",
		},
	}

	extractor := NewClientIdentityExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/notes", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			identity, err := extractor.Extract(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, identity)
		})
	}
}
