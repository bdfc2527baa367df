// Package jobs runs deletion and repair work in the background: a priority
// queue, a worker pool with retry and backoff, and a circuit breaker that
// pauses dispatch when the store keeps failing.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Lower value dispatches first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// State is the job lifecycle position.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job types the processor knows handlers for.
const (
	TypeCascadeDeletion      = "cascadeDeletion"
	TypeBatchCascadeDeletion = "batchCascadeDeletion"
	TypeOrphanCleanup        = "orphanedReferenceCleanup"
	TypeIntegrityValidation  = "integrityValidation"
	TypeAuditLogArchive      = "auditLogArchive"
)

// Job is one unit of background work. Payload carries handler-specific
// parameters; Result holds whatever the handler returned on success.
type Job struct {
	ID         string
	Type       string
	Priority   Priority
	Payload    map[string]any
	MaxRetries int

	mu          sync.RWMutex
	state       State
	attempts    int
	lastError   string
	result      any
	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
}

// NewJob creates a queued job with a short id.
func NewJob(jobType string, priority Priority, payload map[string]any, maxRetries int) *Job {
	return &Job{
		ID:         uuid.New().String()[:8],
		Type:       jobType,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: maxRetries,
		state:      StateQueued,
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Attempts returns how many times a handler has run for this job.
func (j *Job) Attempts() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.attempts
}

// Snapshot is a copyable view of job state for status listings.
type Snapshot struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
	Result      any       `json:"result,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Snapshot returns a consistent copy of the job's mutable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:          j.ID,
		Type:        j.Type,
		Priority:    j.Priority.String(),
		State:       j.state,
		Attempts:    j.attempts,
		MaxRetries:  j.MaxRetries,
		LastError:   j.lastError,
		Result:      j.result,
		EnqueuedAt:  j.enqueuedAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}
