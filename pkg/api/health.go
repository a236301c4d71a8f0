package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/perimeter/pkg/metrics"
)

// readyHandler implements the /ready endpoint.
// The store is pinged on every call so a lost database connection flips
// readiness without waiting for a failed sample.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentStore, true, "ok")
	}

	metrics.ReadyHandler()(w, r)
}
