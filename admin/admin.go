// Package admin exposes the operator surface of the throttling layer:
// allow/deny list management, per-client state reset and status
// introspection. Authentication is expected to be layered on by the
// surrounding service.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/go-chi/chi/v5"

	"github.com/pulsenotes/ratelimit/guard"
)

// Handler serves the admin API over a Guard.
type Handler struct {
	guard  *guard.Guard
	logger log.FieldLogger
}

// New creates the admin handler.
func New(g *guard.Guard, logger log.FieldLogger) *Handler {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Handler{guard: g, logger: logger}
}

// Routes returns the chi router for the admin API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/allowlist/{identity}", h.addToAllowList)
	r.Delete("/allowlist/{identity}", h.removeFromAllowList)
	r.Put("/denylist/{identity}", h.addToDenyList)
	r.Delete("/denylist/{identity}", h.removeFromDenyList)
	r.Post("/reset/{identity}", h.reset)
	r.Get("/status/{identity}", h.status)
	return r
}

type listRequest struct {
	Reason string
	TTL    time.Duration
}

func (h *Handler) decodeListRequest(r *http.Request) (listRequest, error) {
	var body struct {
		Reason     string `json:"reason"`
		TTLSeconds int64  `json:"ttlSeconds"`
	}
	if r.Body == nil || r.ContentLength == 0 {
		return listRequest{}, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return listRequest{}, err
	}
	return listRequest{Reason: body.Reason, TTL: time.Duration(body.TTLSeconds) * time.Second}, nil
}

func (h *Handler) addToAllowList(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	req, err := h.decodeListRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.guard.Lists().Allow(r.Context(), identity, req.Reason, req.TTL); err != nil {
		h.serverError(w, "failed to add allow list entry", identity, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"identity": identity, "list": "allow"})
}

func (h *Handler) removeFromAllowList(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := h.guard.Lists().RemoveAllow(r.Context(), identity); err != nil {
		h.serverError(w, "failed to remove allow list entry", identity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addToDenyList(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	req, err := h.decodeListRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "a reason is required to deny-list a client")
		return
	}
	if err := h.guard.Lists().Deny(r.Context(), identity, req.Reason, req.TTL); err != nil {
		h.serverError(w, "failed to add deny list entry", identity, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"identity": identity, "list": "deny"})
}

func (h *Handler) removeFromDenyList(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := h.guard.Lists().RemoveDeny(r.Context(), identity); err != nil {
		h.serverError(w, "failed to remove deny list entry", identity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := h.guard.Reset(r.Context(), identity); err != nil {
		h.serverError(w, "failed to reset rate limit state", identity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	status, err := h.guard.Status(r.Context(), identity)
	if err != nil {
		h.serverError(w, "failed to fetch rate limit status", identity, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) serverError(w http.ResponseWriter, msg, identity string, err error) {
	h.logger.Error(msg, log.String("identity", identity), log.Error(err))
	h.writeError(w, http.StatusInternalServerError, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write body to HTTP response", log.Error(err))
	}
}
