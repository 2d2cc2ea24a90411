package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/redis/go-redis/v9"
)

// HealthHandler exposes liveness and readiness probes.
type HealthHandler struct {
	store store.Store
	redis *redis.Client
}

func NewHealthHandler(st store.Store, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{store: st, redis: rdb}
}

// Live reports process liveness.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the store (and redis, when configured) are reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		deps["store"] = "unreachable"
		healthy = false
	} else {
		deps["store"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			deps["redis"] = "unreachable"
			healthy = false
		} else {
			deps["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	RespondJSON(w, status, map[string]any{"status": deps})
}
