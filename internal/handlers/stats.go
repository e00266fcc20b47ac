package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	LiveSessions int `json:"live_sessions"`
}

// Stats returns relay statistics for this instance.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, StatsResponse{
		LiveSessions: h.registry.Count(),
	})
}

// QueueStatsResponse represents per-connection queue depth.
type QueueStatsResponse struct {
	ConnectionID string `json:"connection_id"`
	Pending      int    `json:"pending"`
}

// QueueStats returns the pending message count for one connection. A
// storage failure reports 0, same as the pickup contract; check the logs to
// tell the two apart.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "connectionId")
	if connectionID == "" {
		h.Error(w, http.StatusBadRequest, "connection id is required")
		return
	}

	h.JSON(w, http.StatusOK, QueueStatsResponse{
		ConnectionID: connectionID,
		Pending:      h.store.CountPending(r.Context(), connectionID),
	})
}
