// Package scheduler advances recurring jobs: each tick spawns fresh job
// instances from due schedule templates and moves their recurrence
// cursors forward.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/logger"
)

const (
	// DefaultInterval between scheduler ticks
	DefaultInterval = time.Minute
	// DefaultGuardInterval is the minimum rest after a tick completes
	// before the next may start, independent of the nominal period
	DefaultGuardInterval = 5 * time.Second
	// DefaultBatchSize caps due templates per tick
	DefaultBatchSize = 10
	// DefaultSpawnConcurrency bounds parallel child creation
	DefaultSpawnConcurrency = 4
)

// Config tunes the scheduler loop
type Config struct {
	Interval         time.Duration
	GuardInterval    time.Duration
	BatchSize        int
	SpawnConcurrency int
}

// TickResult summarizes one scheduler pass
type TickResult struct {
	Due     int `json:"due"`
	Spawned int `json:"spawned"`
	Failed  int `json:"failed"`
}

// Status is the shape returned by the engine status endpoint
type Status struct {
	IsRunning     bool       `json:"isRunning"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	IntervalMS    int64      `json:"intervalMs"`
	MaxJobsPerRun int        `json:"maxJobsPerRun"`
}

// Scheduler is a long-lived service object owning its own ticker. Ticks
// are non-reentrant and respect a minimum guard interval after the
// previous tick's completion, so a slow pass cannot pile up.
type Scheduler struct {
	jobs   *job.Store
	config Config
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	tickActive  bool
	lastRun     *time.Time
	lastTickEnd time.Time
}

// New creates a scheduler over the job store
func New(jobs *job.Store, config Config, logger *zap.SugaredLogger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.GuardInterval <= 0 {
		config.GuardInterval = DefaultGuardInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.SpawnConcurrency <= 0 {
		config.SpawnConcurrency = DefaultSpawnConcurrency
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   jobs,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Job scheduler started", logger.FieldInterval, s.config.Interval, logger.FieldBatchSize, s.config.BatchSize)
}

// Stop gracefully stops the scheduler loop
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Infow("Job scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if !s.beginTick(now) {
				continue
			}
			result, err := s.tick(s.ctx, now)
			s.endTick()
			if err != nil {
				// Database hiccups skip the tick; the next one retries naturally
				s.logger.Warnw("Scheduler tick error", logger.FieldError, err)
				continue
			}
			if result.Due > 0 {
				s.logger.Infow("Scheduler tick complete",
					"due", result.Due, "spawned", result.Spawned, "failed", result.Failed)
			}
		}
	}
}

// beginTick enforces non-reentrancy and the guard interval.
func (s *Scheduler) beginTick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tickActive {
		s.logger.Debugw("Skipping scheduler tick, previous tick still running")
		return false
	}
	if !s.lastTickEnd.IsZero() && now.Sub(s.lastTickEnd) < s.config.GuardInterval {
		return false
	}
	s.tickActive = true
	runAt := now
	s.lastRun = &runAt
	return true
}

func (s *Scheduler) endTick() {
	s.mu.Lock()
	s.tickActive = false
	s.lastTickEnd = time.Now()
	s.mu.Unlock()
}

// RunOnce forces a single scheduler pass, used by the manual trigger
// endpoint. It respects non-reentrancy (a concurrent tick yields an
// empty result) but not the guard interval.
func (s *Scheduler) RunOnce(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	if s.tickActive {
		s.mu.Unlock()
		return TickResult{}, nil
	}
	s.tickActive = true
	now := time.Now()
	s.lastRun = &now
	s.mu.Unlock()
	defer s.endTick()

	return s.tick(ctx, now)
}

// tick spawns instances for every due template. Templates advance even
// when their spawn fails, so one failure cannot wedge a recurrence; the
// failure is logged and the next due time gets its own attempt.
func (s *Scheduler) tick(ctx context.Context, now time.Time) (TickResult, error) {
	templates, err := s.jobs.ListDueScheduled(ctx, now, s.config.BatchSize)
	if err != nil {
		return TickResult{}, err
	}

	result := TickResult{Due: len(templates)}
	if len(templates) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.SpawnConcurrency)

	for _, template := range templates {
		template := template
		group.Go(func() error {
			spawnErr := s.spawn(groupCtx, template)

			// Advance the cursor regardless of spawn outcome
			if err := s.jobs.AdvanceSchedule(groupCtx, template, time.Now()); err != nil {
				s.logger.Errorw("Failed to advance schedule",
					logger.FieldJobID, template.ID, logger.FieldError, err)
				mu.Lock()
				result.Failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			if spawnErr != nil {
				result.Failed++
			} else {
				result.Spawned++
			}
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	return result, nil
}

func (s *Scheduler) spawn(ctx context.Context, template *job.Job) error {
	instance := template.SpawnInstance()
	if err := s.jobs.Create(ctx, instance); err != nil {
		s.logger.Errorw("Failed to spawn job instance",
			"template_id", template.ID, logger.FieldTenantID, template.TenantID, logger.FieldError, err)
		return err
	}
	s.logger.Debugw("Spawned job instance",
		"template_id", template.ID, "instance_id", instance.ID, "run_count", template.RunCount+1)
	return nil
}

// Status reports the loop state for the engine status endpoint.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsRunning:     s.started,
		LastRun:       s.lastRun,
		IntervalMS:    s.config.Interval.Milliseconds(),
		MaxJobsPerRun: s.config.BatchSize,
	}
}
