package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/animo/animo-mediator/internal/pickup"
	"github.com/animo/animo-mediator/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.Store
	registry   *pickup.SessionRegistry
	instanceID string
}

// NewHandler creates a new Handler.
func NewHandler(st store.Store, registry *pickup.SessionRegistry, instanceID string) *Handler {
	return &Handler{store: st, registry: registry, instanceID: instanceID}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
