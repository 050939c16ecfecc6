package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethpandaops/opendata-ingest/internal/version"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// Probe reports whether the process can do useful work.
type Probe func(ctx context.Context) error

// Health returns a liveness handler.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: version.Short()})
	}
}

// Ready returns a readiness handler backed by probe. A nil probe is always
// ready.
func Ready(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if probe != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := probe(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
					Status:  "unavailable",
					Version: version.Short(),
					Error:   err.Error(),
				})

				return
			}
		}

		writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Version: version.Short()})
	}
}

// Version returns build information.
func Version() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
