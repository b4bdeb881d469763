// Package adminapi exposes the operator-facing HTTP endpoints
// orchestratorctl talks to: trigger a reconcile tick, inspect an
// attempt, and replay a dead-lettered webhook delivery. This is
// operator tooling standing in for the teacher's generated-gRPC
// pkg/client/pkg/api surface (not available in this retrieval pack,
// see internal/gateway's doc comment), speaking plain JSON over
// net/http the same way gateway.HTTPAdapter does, and explicitly not
// the excluded user-facing CRUD API (§1 Non-goals).
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/orchestrator/internal/daemon"
	"github.com/cuemby/orchestrator/internal/domain"
)

// Server serves the admin HTTP API over a *daemon.Daemon.
type Server struct {
	d *daemon.Daemon
}

// New constructs a Server over d.
func New(d *daemon.Daemon) *Server {
	return &Server{d: d}
}

// Handler returns the http.Handler mounting every admin route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/reconcile", s.handleReconcile)
	mux.HandleFunc("/admin/attempts", s.handleGetAttempt)
	mux.HandleFunc("/admin/webhooks/replay", s.handleReplayWebhook)
	return mux
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	service := r.URL.Query().Get("service")
	if tenantID == "" || service == "" {
		http.Error(w, "tenant and service are required", http.StatusBadRequest)
		return
	}

	if err := s.d.Reconciler().Tick(r.Context(), tenantID, service); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	service := r.URL.Query().Get("service")
	attemptID := r.URL.Query().Get("id")

	store := s.d.Plane.Store()
	var attempt *domain.DeploymentAttempt
	var err error
	if attemptID != "" {
		attempt, err = store.GetAttempt(attemptID)
	} else if tenantID != "" && service != "" {
		attempt, err = store.GetActiveAttempt(tenantID, service)
	} else {
		http.Error(w, "id, or tenant and service, are required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	deliveryID := r.URL.Query().Get("id")
	if deliveryID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	store := s.d.Plane.Store()
	delivery, err := store.GetDelivery(deliveryID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	delivery.State = domain.DeliveryQueued
	delivery.NextAttemptAt = time.Now()
	delivery.Version++
	if err := s.d.Plane.UpdateDelivery(delivery); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
