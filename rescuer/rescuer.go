// Package rescuer is the self-healing watchdog: it detects jobs wedged
// in running or pending beyond their timeouts and reclassifies them so
// no execution is silently lost.
package rescuer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/logger"
)

const (
	// DefaultInterval between rescue sweeps
	DefaultInterval = 5 * time.Minute
	// DefaultRunningTimeout before a running job counts as stuck
	DefaultRunningTimeout = 10 * time.Minute
	// DefaultPendingTimeout before an unclaimed pending job counts as stuck
	DefaultPendingTimeout = 30 * time.Minute
	// DefaultBatchSize caps repairs per sweep
	DefaultBatchSize = 50
)

// Config tunes the rescuer loop
type Config struct {
	Interval       time.Duration
	RunningTimeout time.Duration
	PendingTimeout time.Duration
	BatchSize      int
}

// TickResult summarizes one rescue sweep
type TickResult struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Status is the shape returned by the engine status endpoint
type Status struct {
	IsRunning     bool       `json:"isRunning"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	IntervalMS    int64      `json:"intervalMs"`
	MaxJobsPerRun int        `json:"maxJobsPerRun"`
}

// Rescuer sweeps for stuck jobs on its own timer. All repairs are
// idempotent: each moves the job to a terminal status that the stuck
// queries exclude, so rerunning a sweep is a no-op.
type Rescuer struct {
	jobs     *job.Store
	messages *job.MessageStore
	config   Config
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	tickActive bool
	lastRun    *time.Time
}

// New creates a rescuer over the stores
func New(jobs *job.Store, messages *job.MessageStore, config Config, logger *zap.SugaredLogger) *Rescuer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.RunningTimeout <= 0 {
		config.RunningTimeout = DefaultRunningTimeout
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Rescuer{
		jobs:     jobs,
		messages: messages,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the rescue loop
func (r *Rescuer) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Stuck job rescuer started",
		logger.FieldInterval, r.config.Interval,
		"running_timeout", r.config.RunningTimeout,
		"pending_timeout", r.config.PendingTimeout)
}

// Stop gracefully stops the rescue loop
func (r *Rescuer) Stop() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	r.logger.Infow("Stuck job rescuer stopped")
}

func (r *Rescuer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			result, err := r.RunOnce(r.ctx)
			if err != nil {
				// Database hiccups skip the sweep; the next one retries naturally
				r.logger.Warnw("Rescue sweep error", logger.FieldError, err)
				continue
			}
			if result.Examined > 0 {
				r.logger.Infow("Rescue sweep complete",
					"examined", result.Examined,
					"completed", result.Completed,
					"failed", result.Failed)
			}
		}
	}
}

// RunOnce performs a single rescue sweep. Non-reentrant; a concurrent
// sweep yields an empty result.
func (r *Rescuer) RunOnce(ctx context.Context) (TickResult, error) {
	r.mu.Lock()
	if r.tickActive {
		r.mu.Unlock()
		return TickResult{}, nil
	}
	r.tickActive = true
	now := time.Now()
	r.lastRun = &now
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.tickActive = false
		r.mu.Unlock()
	}()

	return r.sweep(ctx, now)
}

func (r *Rescuer) sweep(ctx context.Context, now time.Time) (TickResult, error) {
	var result TickResult

	stuckRunning, err := r.jobs.ListStuckRunning(ctx, now.Add(-r.config.RunningTimeout), r.config.BatchSize)
	if err != nil {
		return result, err
	}
	stalePending, err := r.jobs.ListStalePending(ctx, now.Add(-r.config.PendingTimeout), r.config.BatchSize)
	if err != nil {
		return result, err
	}

	for _, j := range append(stuckRunning, stalePending...) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		completed, err := r.repair(ctx, j)
		if err != nil {
			r.logger.Errorw("Failed to repair stuck job", logger.FieldJobID, j.ID, logger.FieldError, err)
			continue
		}
		if completed {
			result.Completed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// repair reclassifies one stuck job by its message state:
//   - no messages at all: the execution never started, mark failed with
//     a synthetic cancellation notice
//   - user and assistant messages both present: the work actually
//     finished, only the status write was lost; correct to completed
//     without adding any message
//   - user message but no assistant reply: the execution was lost
//     mid-flight, mark failed with a processing-failure notice
//
// Returns true when the job was corrected to completed.
func (r *Rescuer) repair(ctx context.Context, j *job.Job) (bool, error) {
	total, assistant, err := r.messages.CountByJob(ctx, j.ID)
	if err != nil {
		return false, err
	}

	switch {
	case total == 0:
		msg := job.NewErrorMessage(j.ID,
			"This job was automatically cancelled because it did not start processing within the expected time.",
			"stuck job: no processing activity")
		if err := r.messages.Append(ctx, msg); err != nil {
			return false, err
		}
		if err := r.jobs.MarkFailed(ctx, j.ID); err != nil {
			return false, err
		}
		r.logger.Infow("Rescued stuck job as failed (never started)", logger.FieldJobID, j.ID, logger.FieldStatus, string(j.Status))
		return false, nil

	case assistant > 0:
		if err := r.jobs.MarkCompleted(ctx, j.ID); err != nil {
			return false, err
		}
		r.logger.Infow("Rescued stuck job as completed (response already present)", logger.FieldJobID, j.ID)
		return true, nil

	default:
		msg := job.NewErrorMessage(j.ID,
			"This job failed: processing started but did not produce a response within the expected time.",
			"stuck job: processing did not complete")
		if err := r.messages.Append(ctx, msg); err != nil {
			return false, err
		}
		if err := r.jobs.MarkFailed(ctx, j.ID); err != nil {
			return false, err
		}
		r.logger.Infow("Rescued stuck job as failed (no response)", logger.FieldJobID, j.ID)
		return false, nil
	}
}

// Status reports the loop state for the engine status endpoint.
func (r *Rescuer) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		IsRunning:     r.started,
		LastRun:       r.lastRun,
		IntervalMS:    r.config.Interval.Milliseconds(),
		MaxJobsPerRun: r.config.BatchSize,
	}
}
