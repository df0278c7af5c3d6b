package payments

import "net/http"

// RegisterRoutes registers the payments routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/authorizations", h.HandleAuthorize)
	mux.HandleFunc("/api/v1/authorizations/{id}", h.HandleGetAuthorization)
	mux.HandleFunc("/api/v1/refunds", h.HandleRefund)
	mux.HandleFunc("/health", h.HandleHealth)
}
