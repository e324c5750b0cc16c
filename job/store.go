package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/threadline/threadline/errors"
)

// jobColumns is the canonical column list scanned by scanJob. Keep in sync
// with the jobs migration.
const jobColumns = `id, tenant_id, name, description, initial_message, status,
	has_uploaded_file, is_scheduled, is_active, schedule_type, schedule_time,
	next_run_time, interval_days, weekly_days, max_runs, run_count,
	last_run_at, timezone, parent_job_id, completed_at, created_at, updated_at`

// Store handles persistence of jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new job row (instance or schedule template).
func (s *Store) Create(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO jobs (
			id, tenant_id, name, description, initial_message, status,
			has_uploaded_file, is_scheduled, is_active, schedule_type,
			schedule_time, next_run_time, interval_days, weekly_days,
			max_runs, run_count, last_run_at, timezone, parent_job_id,
			completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		j.ID,
		j.TenantID,
		j.Name,
		j.Description,
		j.InitialMessage,
		string(j.Status),
		j.HasUploadedFile,
		j.IsScheduled,
		j.IsActive,
		nullString(string(j.ScheduleType)),
		nullTime(j.ScheduleTime),
		nullTime(j.NextRunTime),
		nullInt(j.IntervalDays),
		nullString(j.WeeklyDays),
		nullInt(j.MaxRuns),
		j.RunCount,
		nullTime(j.LastRunAt),
		j.Timezone,
		nullString(j.ParentJobID),
		nullTime(j.CompletedAt),
		j.CreatedAt.UTC().Format(time.RFC3339),
		j.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return j, nil
}

// ListByTenant returns a tenant's jobs, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimPending atomically claims up to limit pending non-scheduled jobs,
// oldest first, flipping them to running in the same statement. SQLite
// serializes writers, so each row is handed to exactly one caller; two
// concurrent processor ticks partition the pending set between them.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*Job, error) {
	query := `
		UPDATE jobs
		SET status = 'running', updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND is_scheduled = 0
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING ` + jobColumns

	rows, err := s.db.QueryContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim pending jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListDueScheduled returns active schedule templates whose next_run_time
// has passed, oldest due first.
func (s *Store) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE is_scheduled = 1 AND is_active = 1
		   AND next_run_time IS NOT NULL AND next_run_time <= ?
		 ORDER BY next_run_time ASC
		 LIMIT ?`,
		now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due scheduled jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AdvanceSchedule moves a template's recurrence cursor after a spawn
// attempt: run_count increments, last_run_at records the tick, and
// next_run_time follows the schedule-type rule. Exhausted recurrences
// (once after its run, max_runs reached, custom without an interval)
// are deactivated with a null next_run_time. Called even when the spawn
// failed so one failure cannot wedge the recurrence.
func (s *Store) AdvanceSchedule(ctx context.Context, template *Job, ranAt time.Time) error {
	template.RunCount++
	ranAtUTC := ranAt.UTC()
	template.LastRunAt = &ranAtUTC
	template.NextRunTime = template.NextRunAfter(ranAtUTC)
	if template.RecurrenceExhausted() || template.NextRunTime == nil {
		template.IsActive = false
		template.NextRunTime = nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET run_count = ?, last_run_at = ?, next_run_time = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		template.RunCount,
		nullTime(template.LastRunAt),
		nullTime(template.NextRunTime),
		template.IsActive,
		time.Now().UTC().Format(time.RFC3339),
		template.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance schedule for job %s", template.ID)
	}
	return requireRowAffected(result, template.ID)
}

// ListStuckRunning returns non-scheduled running jobs last updated before
// the cutoff. These executions are presumed lost.
func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND is_scheduled = 0 AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck running jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListStalePending returns non-scheduled pending jobs created before the
// cutoff. Covers rows the processor never claimed, e.g. after a crash.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND is_scheduled = 0 AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale pending jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkCompleted sets a job's terminal completed status.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, StatusCompleted)
}

// MarkFailed sets a job's terminal failed status.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, StatusFailed)
}

func (s *Store) markTerminal(ctx context.Context, id string, status Status) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), now, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s %s", id, status)
	}
	return requireRowAffected(result, id)
}

// ListCompletedSiblings returns the most recent completed instances of a
// recurring thread, newest first. Used for temporal context injection.
func (s *Store) ListCompletedSiblings(ctx context.Context, parentJobID string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE parent_job_id = ? AND status = 'completed'
		 ORDER BY created_at DESC
		 LIMIT ?`,
		parentJobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list completed siblings")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func requireRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var createdAt, updatedAt string
	var scheduleType, scheduleTime, nextRunTime, weeklyDays sql.NullString
	var lastRunAt, parentJobID, completedAt sql.NullString
	var intervalDays, maxRuns sql.NullInt64

	err := row.Scan(
		&j.ID,
		&j.TenantID,
		&j.Name,
		&j.Description,
		&j.InitialMessage,
		&status,
		&j.HasUploadedFile,
		&j.IsScheduled,
		&j.IsActive,
		&scheduleType,
		&scheduleTime,
		&nextRunTime,
		&intervalDays,
		&weeklyDays,
		&maxRuns,
		&j.RunCount,
		&lastRunAt,
		&j.Timezone,
		&parentJobID,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	if scheduleType.Valid {
		j.ScheduleType = ScheduleType(scheduleType.String)
	}
	if weeklyDays.Valid {
		j.WeeklyDays = weeklyDays.String
	}
	if parentJobID.Valid {
		j.ParentJobID = parentJobID.String
	}
	if intervalDays.Valid {
		v := int(intervalDays.Int64)
		j.IntervalDays = &v
	}
	if maxRuns.Valid {
		v := int(maxRuns.Int64)
		j.MaxRuns = &v
	}

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", j.ID)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", j.ID)
	}
	if j.ScheduleTime, err = parseNullTime(scheduleTime); err != nil {
		return nil, errors.Wrapf(err, "failed to parse schedule_time for job %s", j.ID)
	}
	if j.NextRunTime, err = parseNullTime(nextRunTime); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_time for job %s", j.ID)
	}
	if j.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse last_run_at for job %s", j.ID)
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse completed_at for job %s", j.ID)
	}

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
