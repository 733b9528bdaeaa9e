// Package api is the admin/introspection HTTP surface (§6): health,
// metrics, request listing, and per-tape suspend/resume. It never creates
// JOB_QUEUE/REQUEST_QUEUE rows — that is QM's exclusive job — and exists
// purely to observe and steer an already-running core.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hsm-recall-core/internal/coordination"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/models"
	"hsm-recall-core/internal/scheduler"
	"hsm-recall-core/internal/store"
	"hsm-recall-core/internal/telemetry"
)

// Server wires the admin HTTP handlers.
type Server struct {
	store       *store.Store
	inventory   *inventory.Inventory
	scheduler   *scheduler.Scheduler
	broadcaster *coordination.Broadcaster
	failedLog   *eventlog.Log
}

func New(st *store.Store, inv *inventory.Inventory, sch *scheduler.Scheduler, bc *coordination.Broadcaster, failedLog *eventlog.Log) *Server {
	return &Server{store: st, inventory: inv, scheduler: sch, broadcaster: bc, failedLog: failedLog}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/requests", s.handleListRequests)
	r.Get("/drives", s.handleListDrives)
	r.Post("/tapes/{tapeId}/suspend", s.handleSuspend)
	r.Post("/tapes/{tapeId}/resume", s.handleResume)
	r.Get("/events/failed", s.handleFailedEvents)
	return r
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.store.ListRequests(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	inProgress := 0
	for _, req := range reqs {
		if req.State == models.ReqInProgress {
			inProgress++
		}
	}
	telemetry.RequestsInProgress.Set(float64(inProgress))
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleListDrives(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.inventory.Drives())
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.broadcastSuspend(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.broadcastSuspend(w, r, false)
}

func (s *Server) broadcastSuspend(w http.ResponseWriter, r *http.Request, suspend bool) {
	tapeID := chi.URLParam(r, "tapeId")
	cmd := coordination.Command{TapeID: tapeID, Suspend: suspend}
	// Apply locally immediately so this instance doesn't wait on its own
	// pub/sub round trip, then broadcast so every other instance converges.
	s.scheduler.ApplySuspendCommand(cmd)
	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(r.Context(), cmd); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.failedLog.Snapshot()
	telemetry.FailedEventLogGauge.Set(float64(len(snapshot)))
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
