// Package processor executes pending job instances exactly once each:
// it atomically claims batches of pending jobs, runs them through the
// orchestration call boundary with retry and backoff, and records the
// outcome as conversation messages and terminal status.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/dispatch"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/logger"
)

const (
	// DefaultInterval between processor ticks
	DefaultInterval = 30 * time.Second
	// DefaultGuardInterval is the minimum rest between ticks
	DefaultGuardInterval = 5 * time.Second
	// DefaultBatchSize caps claimed jobs per tick
	DefaultBatchSize = 5
	// DefaultMaxAttempts bounds dispatch retries per job
	DefaultMaxAttempts = 3
	// DefaultInitialBackoff is the first retry delay, doubling each attempt
	DefaultInitialBackoff = 2 * time.Second
	// DefaultDispatchTimeout bounds one job's whole dispatch, retries included
	DefaultDispatchTimeout = 2 * time.Minute
	// DefaultContextSiblings is how many recent sibling responses feed
	// the anti-repetition digest for recurring threads
	DefaultContextSiblings = 3
)

// Config tunes the processor loop
type Config struct {
	Interval        time.Duration
	GuardInterval   time.Duration
	BatchSize       int
	MaxAttempts     int
	InitialBackoff  time.Duration
	DispatchTimeout time.Duration
	ContextSiblings int
}

// TickResult summarizes one processor pass
type TickResult struct {
	Claimed   int `json:"claimed"`
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

// Processor is a long-lived service object owning its own ticker.
// Claimed jobs run sequentially within a tick to bound load on the
// orchestration backend; correctness under multiple deployed instances
// comes entirely from the store's atomic claim.
type Processor struct {
	jobs     *job.Store
	messages *job.MessageStore
	caller   dispatch.Caller
	config   Config
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	tickActive  bool
	lastRun     *time.Time
	lastTickEnd time.Time
}

// New creates a processor over the stores and orchestration caller
func New(jobs *job.Store, messages *job.MessageStore, caller dispatch.Caller, config Config, logger *zap.SugaredLogger) *Processor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.GuardInterval <= 0 {
		config.GuardInterval = DefaultGuardInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = DefaultDispatchTimeout
	}
	if config.ContextSiblings <= 0 {
		config.ContextSiblings = DefaultContextSiblings
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		jobs:     jobs,
		messages: messages,
		caller:   caller,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the processor loop
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	p.logger.Infow("Job processor started", logger.FieldInterval, p.config.Interval, logger.FieldBatchSize, p.config.BatchSize)
}

// Stop gracefully stops the processor loop
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	p.logger.Infow("Job processor stopped")
}

func (p *Processor) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			if !p.beginTick(now) {
				continue
			}
			result, err := p.tick(p.ctx)
			p.endTick()
			if err != nil {
				// Database hiccups skip the tick; the next one retries naturally
				p.logger.Warnw("Processor tick error", logger.FieldError, err)
				continue
			}
			if result.Claimed > 0 {
				p.logger.Infow("Processor tick complete",
					"claimed", result.Claimed, "completed", result.Completed, "failed", result.Failed)
			}
		}
	}
}

func (p *Processor) beginTick(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tickActive {
		p.logger.Debugw("Skipping processor tick, previous tick still running")
		return false
	}
	if !p.lastTickEnd.IsZero() && now.Sub(p.lastTickEnd) < p.config.GuardInterval {
		return false
	}
	p.tickActive = true
	runAt := now
	p.lastRun = &runAt
	return true
}

func (p *Processor) endTick() {
	p.mu.Lock()
	p.tickActive = false
	p.lastTickEnd = time.Now()
	p.mu.Unlock()
}

// RunOnce forces a single processor pass, used by the manual trigger
// endpoint. Non-reentrant; a concurrent tick yields an empty result.
func (p *Processor) RunOnce(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	if p.tickActive {
		p.mu.Unlock()
		return TickResult{}, nil
	}
	p.tickActive = true
	now := time.Now()
	p.lastRun = &now
	p.mu.Unlock()
	defer p.endTick()

	return p.tick(ctx)
}

// tick claims up to BatchSize pending instances and executes them
// sequentially. A job that fails terminally is recorded and does not
// stop the rest of the batch.
func (p *Processor) tick(ctx context.Context) (TickResult, error) {
	claimed, err := p.jobs.ClaimPending(ctx, p.config.BatchSize)
	if err != nil {
		return TickResult{}, err
	}

	result := TickResult{Claimed: len(claimed)}
	for _, j := range claimed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.process(ctx, j); err != nil {
			result.Failed++
			p.logger.Warnw("Job execution failed",
				logger.FieldJobID, j.ID, logger.FieldTenantID, j.TenantID, logger.FieldError, err)
		} else {
			result.Completed++
		}
	}
	return result, nil
}

// process executes one claimed job: persist the user message, build the
// prompt (with thread context for recurring instances), dispatch with
// retry, and record the outcome. Any terminal failure marks the job
// failed with an explanatory assistant message so the user never sees a
// bare empty state.
func (p *Processor) process(ctx context.Context, j *job.Job) error {
	userMsg := job.NewUserMessage(j.ID, j.InitialMessage)
	if err := p.messages.Append(ctx, userMsg); err != nil {
		p.failJob(ctx, j, errors.Wrap(err, "failed to persist user message"))
		return err
	}

	prompt, history, err := p.buildPrompt(ctx, j)
	if err != nil {
		// Thread context is best-effort; fall back to the raw prompt
		p.logger.Warnw("Failed to build thread context, using raw prompt",
			logger.FieldJobID, j.ID, logger.FieldError, err)
		prompt = j.InitialMessage
		history = nil
	}

	result, err := p.dispatchWithRetry(ctx, j, prompt, history)
	if err != nil {
		p.failJob(ctx, j, err)
		return err
	}

	metadata := ""
	if len(result.Response.Metadata) > 0 {
		if raw, err := json.Marshal(result.Response.Metadata); err == nil {
			metadata = string(raw)
		}
	}

	assistantMsg := job.NewAssistantMessage(j.ID, result.Response.Content, result.CurrentAgent, metadata)
	if err := p.messages.Append(ctx, assistantMsg); err != nil {
		p.failJob(ctx, j, errors.Wrap(err, "failed to persist assistant message"))
		return err
	}

	if err := p.jobs.MarkCompleted(ctx, j.ID); err != nil {
		return errors.Wrapf(err, "failed to mark job %s completed", j.ID)
	}

	p.logger.Infow("Job completed",
		logger.FieldJobID, j.ID, logger.FieldTenantID, j.TenantID, logger.FieldAgent, result.CurrentAgent)
	return nil
}

// dispatchWithRetry calls the orchestration endpoint under the overall
// dispatch timeout, retrying transient failures with exponential backoff.
// Agent-not-found and other terminal errors fail immediately.
func (p *Processor) dispatchWithRetry(ctx context.Context, j *job.Job, prompt string, history []string) (*dispatch.Result, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, p.config.DispatchTimeout)
	defer cancel()

	req := dispatch.Request{
		Prompt:         prompt,
		ChatHistory:    history,
		ConversationID: j.ID,
		TenantID:       j.TenantID,
	}

	var lastErr error
	backoff := p.config.InitialBackoff
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		result, err := p.caller.Orchestrate(dispatchCtx, req)
		if err == nil {
			if attempt > 1 {
				p.logger.Infow("Dispatch succeeded after retries",
					logger.FieldJobID, j.ID, "attempts", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !errors.IsTransient(err) {
			return nil, err
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		p.logger.Warnw("Transient dispatch failure, backing off",
			logger.FieldJobID, j.ID, "attempt", attempt, "backoff", backoff, logger.FieldError, err)
		select {
		case <-dispatchCtx.Done():
			return nil, errors.Wrap(lastErr, "dispatch timeout exhausted during backoff")
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, errors.Wrapf(lastErr, "dispatch failed after %d attempts", p.config.MaxAttempts)
}

// failJob records a terminal failure: an error-carrying assistant
// message plus failed status. Recording failures must not itself fail
// the loop, so errors here are only logged.
func (p *Processor) failJob(ctx context.Context, j *job.Job, cause error) {
	msg := job.NewErrorMessage(j.ID,
		"This job could not be completed. The processing step failed after repeated attempts; it will not be retried automatically.",
		cause.Error())
	if err := p.messages.Append(ctx, msg); err != nil {
		p.logger.Errorw("Failed to append failure message", logger.FieldJobID, j.ID, logger.FieldError, err)
	}
	if err := p.jobs.MarkFailed(ctx, j.ID); err != nil {
		p.logger.Errorw("Failed to mark job failed", logger.FieldJobID, j.ID, logger.FieldError, err)
	}
}

// Status reports the loop state for the engine status endpoint.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		IsRunning:     p.started,
		LastRun:       p.lastRun,
		IntervalMS:    p.config.Interval.Milliseconds(),
		MaxJobsPerRun: p.config.BatchSize,
	}
}
