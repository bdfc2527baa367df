package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/coda/internal/events"
)

// Handler executes one job attempt. The returned value becomes the job
// result on success; an error schedules a retry until MaxRetries is spent.
type Handler func(ctx context.Context, job *Job) (any, error)

// Metrics are the processor's cumulative counters. AverageProcessingTime
// covers successful attempts only.
type Metrics struct {
	JobsProcessed         int           `json:"jobs_processed"`
	JobsFailed            int           `json:"jobs_failed"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	OrphansCleanedUp      int           `json:"orphans_cleaned_up"`
	IntegrityIssuesFound  int           `json:"integrity_issues_found"`
}

// Status is a point-in-time view of the processor.
type Status struct {
	QueueLength        int            `json:"queue_length"`
	ActiveJobs         int            `json:"active_jobs"`
	JobsByPriority     map[string]int `json:"jobs_by_priority"`
	Metrics            Metrics        `json:"metrics"`
	CircuitBreakerOpen bool           `json:"circuit_breaker_open"`
}

// Options tune the processor.
type Options struct {
	// Workers is the dispatch concurrency. Defaults to 2.
	Workers int
	// RetryBackoffBase is the first retry delay; attempt n waits
	// base * 2^(n-1). Defaults to 2s.
	RetryBackoffBase time.Duration
	// Clock defaults to the wall clock.
	Clock Clock
}

// Processor owns the queue, the workers and the breaker. Handlers are
// registered per job type before Start.
type Processor struct {
	opts    Options
	queue   *queue
	breaker *breaker
	clock   Clock
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	jobs     map[string]*Job
	active   int
	metrics  Metrics
	totalDur time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProcessor creates a stopped processor. Call Start to begin dispatch.
func NewProcessor(opts Options, bus *events.Bus, logger *slog.Logger) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RetryBackoffBase <= 0 {
		opts.RetryBackoffBase = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		opts:     opts,
		queue:    newQueue(),
		breaker:  newBreaker(opts.Clock),
		clock:    opts.Clock,
		bus:      bus,
		logger:   logger,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
	}
}

// Register installs the handler for a job type, replacing any previous one.
func (p *Processor) Register(jobType string, h Handler) {
	p.mu.Lock()
	p.handlers[jobType] = h
	p.mu.Unlock()
}

// Start launches the worker pool. Stop (or cancelling ctx) drains it.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("job processor started", "workers", p.opts.Workers)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("job processor stopped")
}

// Enqueue validates the job type and queues the job.
func (p *Processor) Enqueue(job *Job) error {
	p.mu.Lock()
	_, known := p.handlers[job.Type]
	if known {
		job.enqueuedAt = p.clock.Now()
		p.jobs[job.ID] = job
	}
	p.mu.Unlock()
	if !known {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	p.queue.enqueue(job)
	p.logger.Info("job enqueued",
		"job_id", job.ID,
		"type", job.Type,
		"priority", job.Priority.String())
	return nil
}

// GetJob returns a job by id, or nil.
func (p *Processor) GetJob(id string) *Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.jobs[id]
}

// ListJobs returns snapshots of every known job, most recently enqueued first.
func (p *Processor) ListJobs() []Snapshot {
	p.mu.RLock()
	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.mu.RUnlock()

	snaps := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		snaps[i] = j.Snapshot()
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return b.EnqueuedAt.Compare(a.EnqueuedAt)
	})
	return snaps
}

// Status returns the current processor state.
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		QueueLength:        p.queue.size(),
		ActiveJobs:         p.active,
		JobsByPriority:     p.queue.sizeByLane(),
		Metrics:            p.metrics,
		CircuitBreakerOpen: p.breaker.isOpen(),
	}
}

// AddOrphansCleaned feeds the orphan counter from the cleanup handler.
func (p *Processor) AddOrphansCleaned(n int) {
	p.mu.Lock()
	p.metrics.OrphansCleanedUp += n
	p.mu.Unlock()
}

// AddIntegrityIssues feeds the issue counter from the validation handler.
func (p *Processor) AddIntegrityIssues(n int) {
	p.mu.Lock()
	p.metrics.IntegrityIssuesFound += n
	p.mu.Unlock()
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		job, err := p.queue.dequeue(ctx)
		if err != nil {
			return
		}
		if !p.waitForBreaker(ctx) {
			return
		}
		p.run(ctx, job)
	}
}

// waitForBreaker blocks until the breaker admits a dispatch or the context
// ends.
func (p *Processor) waitForBreaker(ctx context.Context) bool {
	for !p.breaker.allow() {
		select {
		case <-p.clock.After(time.Second):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// run executes one attempt, then settles the job or schedules a retry.
func (p *Processor) run(ctx context.Context, job *Job) {
	p.mu.Lock()
	handler := p.handlers[job.Type]
	p.active++
	p.mu.Unlock()

	job.mu.Lock()
	job.state = StateRunning
	job.attempts++
	attempt := job.attempts
	if attempt == 1 {
		job.startedAt = p.clock.Now()
	}
	job.mu.Unlock()

	start := p.clock.Now()
	result, err := p.invoke(ctx, handler, job)
	elapsed := p.clock.Now().Sub(start)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if err == nil {
		p.settleSuccess(job, result, elapsed)
		return
	}
	p.settleFailure(ctx, job, attempt, err)
}

// invoke runs the handler converting panics into errors so one bad handler
// never kills a worker.
func (p *Processor) invoke(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("job handler panicked", "job_id", job.ID, "type", job.Type, "panic", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Processor) settleSuccess(job *Job, result any, elapsed time.Duration) {
	job.mu.Lock()
	job.state = StateSucceeded
	job.result = result
	job.lastError = ""
	job.completedAt = p.clock.Now()
	job.mu.Unlock()

	p.breaker.recordSuccess()

	p.mu.Lock()
	p.metrics.JobsProcessed++
	p.totalDur += elapsed
	p.metrics.AverageProcessingTime = p.totalDur / time.Duration(p.metrics.JobsProcessed)
	p.mu.Unlock()

	p.logger.Info("job succeeded", "job_id", job.ID, "type", job.Type, "duration", elapsed.Round(time.Millisecond))
}

func (p *Processor) settleFailure(ctx context.Context, job *Job, attempt int, err error) {
	job.mu.Lock()
	job.lastError = err.Error()
	job.mu.Unlock()

	if p.breaker.recordFailure() {
		p.logger.Error("circuit breaker opened", "job_id", job.ID, "type", job.Type)
		p.publish(events.Event{
			Kind:      events.SystemAlert,
			Timestamp: p.clock.Now(),
			JobID:     job.ID,
			Message:   "circuit breaker opened after repeated job failures",
		})
	}

	if attempt <= job.MaxRetries {
		backoff := p.opts.RetryBackoffBase << (attempt - 1)
		p.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		p.publish(events.Event{
			Kind:      events.JobRetry,
			Timestamp: p.clock.Now(),
			JobID:     job.ID,
			Message:   err.Error(),
			Data:      map[string]any{"attempt": attempt, "backoff": backoff.String()},
		})

		job.setState(StateQueued)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			select {
			case <-p.clock.After(backoff):
				p.queue.enqueue(job)
			case <-ctx.Done():
			}
		}()
		return
	}

	job.mu.Lock()
	job.state = StateFailed
	job.completedAt = p.clock.Now()
	job.mu.Unlock()

	p.mu.Lock()
	p.metrics.JobsFailed++
	p.mu.Unlock()

	p.logger.Error("job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", attempt,
		"error", err)
	p.publish(events.Event{
		Kind:      events.SystemAlert,
		Timestamp: p.clock.Now(),
		JobID:     job.ID,
		Message:   fmt.Sprintf("job %s (%s) failed after %d attempts: %v", job.ID, job.Type, attempt, err),
	})
}

func (p *Processor) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
