package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// Handler maps HTTP requests onto the payments service.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("handler", "payments"),
	}
}

// HandleAuthorize handles POST /api/v1/authorizations
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.service.Authorize(r.Context(), req)
	h.respond(w, res, err)
}

// HandleRefund handles POST /api/v1/refunds
func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.service.Refund(r.Context(), req)
	h.respond(w, res, err)
}

// HandleGetAuthorization handles GET /api/v1/authorizations/{id}.
// The merchant_id query parameter selects the shard.
func (h *Handler) HandleGetAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	view, err := h.service.Get(r.Context(), r.URL.Query().Get("merchant_id"), r.PathValue("id"))
	if err != nil {
		var validation *ValidationError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Reason)
		case errors.Is(err, ErrNotFound):
			h.writeError(w, http.StatusNotFound, "authorization not found")
		default:
			h.logger.Error("lookup failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// respond maps a service result or error to an HTTP response. Replayed
// results are flagged so clients can tell a retry was absorbed.
func (h *Handler) respond(w http.ResponseWriter, res *Result, err error) {
	if err != nil {
		var validation *ValidationError
		var limited *RateLimitedError
		switch {
		case errors.As(err, &validation):
			h.writeError(w, http.StatusBadRequest, validation.Reason)
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
			h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, ErrNotRefundable):
			h.writeError(w, http.StatusConflict, "authorization not refundable")
		default:
			h.logger.Error("request failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if res.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
