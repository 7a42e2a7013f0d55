package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nosdesk/nosdesk/internal/api/helpers"
)

// Health handles GET /health. It pings the database with a short deadline so
// load balancers see degradation quickly.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Pool().Ping(ctx); err != nil {
		helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
