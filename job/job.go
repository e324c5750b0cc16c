// Package job defines the job and message models and their SQLite stores.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ScheduleType determines how a template's next_run_time advances
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleHourly ScheduleType = "hourly"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
	ScheduleCustom ScheduleType = "custom"
)

// IsValidScheduleType returns true if the string is a valid ScheduleType
func IsValidScheduleType(s string) bool {
	switch ScheduleType(s) {
	case ScheduleOnce, ScheduleHourly, ScheduleDaily, ScheduleWeekly, ScheduleCustom:
		return true
	default:
		return false
	}
}

// Job is one unit of user-submitted work. A row with IsScheduled=true is a
// recurrence template: it is never executed directly and only spawns child
// instances (ParentJobID set) that the processor claims and runs.
type Job struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	InitialMessage string `json:"initial_message"`
	Status         Status `json:"status"`
	HasUploadedFile bool  `json:"has_uploaded_file,omitempty"`

	IsScheduled  bool         `json:"is_scheduled"`
	IsActive     bool         `json:"is_active"`
	ScheduleType ScheduleType `json:"schedule_type,omitempty"`
	ScheduleTime *time.Time   `json:"schedule_time,omitempty"`
	NextRunTime  *time.Time   `json:"next_run_time,omitempty"`
	IntervalDays *int         `json:"interval_days,omitempty"`
	WeeklyDays   string       `json:"weekly_days,omitempty"`
	MaxRuns      *int         `json:"max_runs,omitempty"`
	RunCount     int          `json:"run_count"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	Timezone     string       `json:"timezone"`

	ParentJobID string `json:"parent_job_id,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a one-off pending job instance for a tenant.
func NewJob(tenantID, name, initialMessage string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Name:           name,
		InitialMessage: initialMessage,
		Status:         StatusPending,
		IsActive:       true,
		Timezone:       "UTC",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SpawnInstance creates a runnable child job from a recurrence template.
// The child copies the template's descriptive fields and links back via
// ParentJobID so sibling instances form a thread.
func (j *Job) SpawnInstance() *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             uuid.NewString(),
		TenantID:       j.TenantID,
		Name:           j.Name,
		Description:    j.Description,
		InitialMessage: j.InitialMessage,
		Status:         StatusPending,
		IsActive:       true,
		Timezone:       j.Timezone,
		ParentJobID:    j.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NextRunAfter computes the next recurrence time following run at t, per
// schedule-type rule. Returns nil when the recurrence is exhausted: once
// always terminates, custom terminates when interval_days is unset.
func (j *Job) NextRunAfter(t time.Time) *time.Time {
	var next time.Time
	switch j.ScheduleType {
	case ScheduleOnce:
		return nil
	case ScheduleHourly:
		next = t.Add(time.Hour)
	case ScheduleDaily:
		next = t.AddDate(0, 0, 1)
	case ScheduleWeekly:
		next = t.AddDate(0, 0, 7)
	case ScheduleCustom:
		if j.IntervalDays == nil || *j.IntervalDays <= 0 {
			return nil
		}
		next = t.AddDate(0, 0, *j.IntervalDays)
	default:
		return nil
	}
	return &next
}

// RecurrenceExhausted reports whether the template has no further runs:
// once after its single run, or run_count reaching max_runs.
func (j *Job) RecurrenceExhausted() bool {
	if j.ScheduleType == ScheduleOnce && j.RunCount > 0 {
		return true
	}
	if j.MaxRuns != nil && j.RunCount >= *j.MaxRuns {
		return true
	}
	return false
}
