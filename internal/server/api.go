// ABOUTME: HTTP handlers for health, readiness and the read-only order listing.
// ABOUTME: Readiness reports per-relay connection and registry counts.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/relay-hub/internal/store"
)

const statsTimeout = 2 * time.Second

// RelayStatus is one relay's entry in the readiness report.
type RelayStatus struct {
	Path        string         `json:"path"`
	Connections int            `json:"connections"`
	Registered  map[string]int `json:"registered"`
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Status string                 `json:"status"`
	Relays map[string]RelayStatus `json:"relays"`
}

// OrderResponse is one order in GET /api/orders.
type OrderResponse struct {
	ID          string          `json:"id"`
	ObserverID  string          `json:"observer_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      string          `json:"status"`
	Origin      string          `json:"origin,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Items       json.RawMessage `json:"items,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports every relay's counts, or 503 if a hub is not running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Relays: make(map[string]RelayStatus, len(s.relays))}
	code := http.StatusOK
	for _, rl := range s.relays {
		stats, err := rl.hub.Stats(ctx)
		if err != nil {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		registered := make(map[string]int, len(stats.Registered))
		for role, n := range stats.Registered {
			registered[string(role)] = n
		}
		resp.Relays[rl.name] = RelayStatus{
			Path:        rl.path,
			Connections: stats.Connections,
			Registered:  registered,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleListOrders handles GET /api/orders with an optional ?status= filter.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var status store.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := store.ParseStatus(raw)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	orders, err := s.store.ListOrders(r.Context(), status)
	if err != nil {
		s.logger.Error("listing orders", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	response := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		response = append(response, OrderResponse{
			ID:          o.ID,
			ObserverID:  o.ObserverID,
			AgentID:     o.AgentID,
			Status:      string(o.Status),
			Origin:      o.Origin,
			Destination: o.Destination,
			Items:       o.Items,
			CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:   o.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
