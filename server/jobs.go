package server

import (
	"net/http"
	"time"

	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/ratelimit"
)

const defaultListLimit = 100

// CreateJobRequest is the body for POST /api/jobs. A scheduled request
// creates a recurrence template; the scheduler spawns its instances.
type CreateJobRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	InitialMessage string `json:"initial_message"`

	IsScheduled  bool   `json:"is_scheduled,omitempty"`
	ScheduleType string `json:"schedule_type,omitempty"`
	ScheduleTime string `json:"schedule_time,omitempty"` // RFC3339; empty means due immediately
	IntervalDays *int   `json:"interval_days,omitempty"`
	WeeklyDays   string `json:"weekly_days,omitempty"`
	MaxRuns      *int   `json:"max_runs,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// ListJobsResponse wraps the job list with a count
type ListJobsResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

// HandleJobs handles requests to /api/jobs
// GET: List the tenant's jobs
// POST: Create a job or recurrence template
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	identifier, _ := s.identity(r)
	jobs, err := s.jobs.ListByTenant(r.Context(), identifier, defaultListLimit)
	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if req.InitialMessage == "" {
		writeError(w, http.StatusBadRequest, "initial_message is required")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.IsScheduled {
		if !job.IsValidScheduleType(req.ScheduleType) {
			writeError(w, http.StatusBadRequest, "invalid schedule_type")
			return
		}
		if job.ScheduleType(req.ScheduleType) == job.ScheduleCustom &&
			(req.IntervalDays == nil || *req.IntervalDays <= 0) {
			writeError(w, http.StatusBadRequest, "interval_days must be positive for custom schedules")
			return
		}
	}

	// Scheduled creation draws from its own quota bucket
	category := ratelimit.CategoryJobs
	if req.IsScheduled {
		category = ratelimit.CategoryScheduling
	}
	if !s.consumeQuota(w, r, category) {
		return
	}

	identifier, _ := s.identity(r)
	j := job.NewJob(identifier, req.Name, req.InitialMessage)
	j.Description = req.Description

	if req.IsScheduled {
		j.IsScheduled = true
		j.ScheduleType = job.ScheduleType(req.ScheduleType)
		j.IntervalDays = req.IntervalDays
		j.WeeklyDays = req.WeeklyDays
		j.MaxRuns = req.MaxRuns
		if req.Timezone != "" {
			j.Timezone = req.Timezone
		}

		firstRun := time.Now().UTC()
		if req.ScheduleTime != "" {
			parsed, err := time.Parse(time.RFC3339, req.ScheduleTime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "schedule_time must be RFC3339")
				return
			}
			firstRun = parsed.UTC()
		}
		j.ScheduleTime = &firstRun
		j.NextRunTime = &firstRun
	}

	if err := s.jobs.Create(r.Context(), j); err != nil {
		s.logger.Errorw("Failed to create job", "tenant_id", identifier, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.logger.Infow("Job created",
		"job_id", j.ID, "tenant_id", identifier, "scheduled", j.IsScheduled)
	writeJSON(w, http.StatusCreated, j)
}

// HandleJob handles requests to /api/jobs/{id} and /api/jobs/{id}/messages
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := parts[0]

	j, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Errorw("Failed to load job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	// Tenants only see their own jobs
	identifier, _ := s.identity(r)
	if j.TenantID != identifier {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if len(parts) > 1 && parts[1] == "messages" {
		msgs, err := s.messages.ListByJob(r.Context(), jobID)
		if err != nil {
			s.logger.Errorw("Failed to list messages", "job_id", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"messages": msgs,
			"count":    len(msgs),
		})
		return
	}

	writeJSON(w, http.StatusOK, j)
}
