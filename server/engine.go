package server

import (
	"net/http"

	"github.com/threadline/threadline/processor"
	"github.com/threadline/threadline/rescuer"
	"github.com/threadline/threadline/scheduler"
)

// EngineTriggerResponse reports one manually forced engine pass
type EngineTriggerResponse struct {
	Scheduler scheduler.TickResult `json:"scheduler"`
	Processor processor.TickResult `json:"processor"`
	Rescuer   rescuer.TickResult   `json:"rescuer"`
}

// EngineStatusResponse reports the state of each engine loop
type EngineStatusResponse struct {
	Scheduler scheduler.Status `json:"scheduler"`
	Processor processor.Status `json:"processor"`
	Rescuer   rescuer.Status   `json:"rescuer"`
}

// HandleEngineTrigger handles POST /api/engine/trigger: force one pass
// of each engine loop without waiting for the timers. Loops already
// mid-tick report empty results rather than running twice.
func (s *Server) HandleEngineTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var resp EngineTriggerResponse
	var err error

	if resp.Scheduler, err = s.scheduler.RunOnce(r.Context()); err != nil {
		s.logger.Errorw("Manual scheduler pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scheduler pass failed")
		return
	}
	if resp.Processor, err = s.processor.RunOnce(r.Context()); err != nil {
		s.logger.Errorw("Manual processor pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processor pass failed")
		return
	}
	if resp.Rescuer, err = s.rescuer.RunOnce(r.Context()); err != nil {
		s.logger.Errorw("Manual rescuer pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rescuer pass failed")
		return
	}

	s.logger.Infow("Manual engine pass complete",
		"spawned", resp.Scheduler.Spawned,
		"claimed", resp.Processor.Claimed,
		"rescued", resp.Rescuer.Examined)
	writeJSON(w, http.StatusOK, resp)
}

// HandleEngineStatus handles GET /api/engine/status
func (s *Server) HandleEngineStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, EngineStatusResponse{
		Scheduler: s.scheduler.Status(),
		Processor: s.processor.Status(),
		Rescuer:   s.rescuer.Status(),
	})
}

// HandleRateLimitStatus handles GET /api/ratelimit/status: the caller's
// current windows across every category, without consuming anything.
func (s *Server) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	identifier, tier := s.identity(r)
	statuses, err := s.limiter.StatusAll(r.Context(), identifier, tier)
	if err != nil {
		s.logger.Errorw("Failed to load rate limit status", "identifier", identifier, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rate limit status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier": identifier,
		"tier":       string(tier),
		"limits":     statuses,
	})
}
