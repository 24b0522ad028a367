package core

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatusServer mounts the read-only operational surface shared by both
// daemons (SPEC_FULL.md §4.9): liveness and a quiesce/terminate/fiber-
// count snapshot. It is never reachable from the client wire protocol.
type StatusServer struct {
	Life  *Lifecycle
	Sched *Scheduler
}

// Handler builds the chi router for the status surface.
func (s *StatusServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statusz", s.handleStatusz)
	return r
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Life.Terminating() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type statuszResponse struct {
	Quiescing   bool `json:"quiescing"`
	Terminating bool `json:"terminating"`
	FiberCount  int  `json:"fiber_count"`
}

func (s *StatusServer) handleStatusz(w http.ResponseWriter, r *http.Request) {
	resp := statuszResponse{
		Quiescing:   s.Life.Quiescing(),
		Terminating: s.Life.Terminating(),
		FiberCount:  s.Sched.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
