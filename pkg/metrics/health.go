package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health configures the liveness and readiness endpoints.
type Health struct {
	Build string
	// Ready, when set, is called by the readiness probe. A non-nil error
	// reports the process as not ready.
	Ready func(ctx context.Context) error
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func liveness(h Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: h.Build})
	}
}

func readiness(h Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.Ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
	}
}
