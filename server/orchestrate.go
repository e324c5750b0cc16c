package server

import (
	"net/http"

	"github.com/threadline/threadline/dispatch"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/orchestrator"
	"github.com/threadline/threadline/ratelimit"
)

// HandleOrchestrate handles POST /api/orchestrate: one blocking
// orchestration call. This is the same endpoint the job processor
// dispatches claimed jobs through.
func (s *Server) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req dispatch.Request
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if !s.consumeQuota(w, r, ratelimit.CategoryOrchestration) {
		return
	}

	identifier, _ := s.identity(r)
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = identifier
	}

	result, err := s.orch.Orchestrate(r.Context(), orchestrator.Request{
		Prompt:      req.Prompt,
		ChatHistory: req.ChatHistory,
		TenantID:    tenantID,
		UseResearch: req.UseResearch,
	})
	if err != nil {
		s.writeOrchestrationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dispatch.Result{
		Response: dispatch.ResponseBody{
			Content:  result.Response.Content,
			Metadata: result.Response.Metadata,
		},
		CurrentAgent: result.AgentName,
	})
}

// writeOrchestrationError maps orchestration failures onto HTTP status
// codes the processor's retry policy keys off
func (s *Server) writeOrchestrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsAgentNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsQuotaExceeded(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Errorw("Orchestration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "orchestration failed")
	}
}
