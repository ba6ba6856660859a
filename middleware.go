package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
)

var _ http.Handler = &httpRateLimiterHandler{}

// Response headers set by the middleware.
const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitUsed      = "X-RateLimit-Used"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

// RateLimiterConfig holds configuration for the rate limiting middleware.
type RateLimiterConfig struct {
	Extractor  Extractor
	Checker    Checker
	PolicyName string
	Logger     log.FieldLogger
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *RateLimiterConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate
// limiting before forwarding the request to the API. The limiter is a
// defensive addition: any internal failure admits the request.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *RateLimiterConfig) http.Handler {
	if config.Extractor == nil {
		config.Extractor = NewClientIdentityExtractor()
	}
	if config.Logger == nil {
		config.Logger = log.NewDisabledLogger()
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.config.Extractor.Extract(r)
	if err != nil {
		// Rate limiting never blocks the protected service.
		h.config.Logger.Warn("failed to derive rate limiting identity, failing open",
			log.Error(err), log.String("path", r.URL.Path))
		h.handler.ServeHTTP(w, r)
		return
	}

	verdict := h.config.Checker.Check(r.Context(), identity, h.config.PolicyName, RequestMeta{
		Method: r.Method,
		Path:   r.URL.Path,
	})

	w.Header().Set(headerRateLimitLimit, strconv.FormatUint(verdict.Limit, 10))
	w.Header().Set(headerRateLimitUsed, strconv.FormatUint(verdict.Used, 10))
	w.Header().Set(headerRateLimitRemaining, strconv.FormatUint(verdict.Remaining, 10))

	if !verdict.Allowed {
		h.reject(w, identity, verdict)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.handler.ServeHTTP(rec, r)
	h.config.Checker.RecordOutcome(identity, rec.status < http.StatusBadRequest)
}

// reject writes the deny response. A deny-listed client gets a distinct
// "forbidden" response, not conflated with ordinary throttling.
func (h *httpRateLimiterHandler) reject(w http.ResponseWriter, identity string, verdict *Verdict) {
	if verdict.Reason == ReasonDenyListed {
		h.writeJSON(w, http.StatusForbidden, map[string]any{
			"error":    "forbidden",
			"reason":   verdict.ListReason,
			"listedAt": verdict.ListedAt.Format(time.RFC3339),
		})
		return
	}

	retryAfter := int64(verdict.RetryAfter / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set(headerRetryAfter, strconv.FormatInt(retryAfter, 10))
	h.config.Logger.Info("request throttled",
		log.String("identity", identity),
		log.String("policy", verdict.Policy),
		log.String("algorithm", verdict.Algorithm))
	h.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             "too many requests",
		"limit":             verdict.Limit,
		"used":              verdict.Used,
		"remaining":         verdict.Remaining,
		"windowSeconds":     int64(verdict.Window / time.Second),
		"retryAfterSeconds": retryAfter,
	})
}

func (h *httpRateLimiterHandler) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Error("failed to write body to HTTP response", log.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
