// Package events carries typed progress and alert notifications from the
// deletion engine, the repair tools and the job processor to interested
// listeners (CLI progress views, websocket admin clients).
package events

import "time"

// Kind identifies an event type. The set is closed; consumers switch on it.
type Kind string

const (
	CascadeProgress   Kind = "cascade.progress"
	CascadeComplete   Kind = "cascade.complete"
	BatchProgress     Kind = "batch.progress"
	BatchComplete     Kind = "batch.complete"
	IntegrityProgress Kind = "integrity.progress"
	IntegrityIssue    Kind = "integrity.issue"
	IntegrityComplete Kind = "integrity.complete"
	JobRetry          Kind = "job.retry"
	SystemAlert       Kind = "system.alert"
)

// Event is one notification. Only the fields relevant to the kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Entity context, set on cascade and batch events.
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	// JobID ties the event to a background job when one is driving the work.
	JobID string `json:"job_id,omitempty"`

	// Step and Percent report progress within a multi-step operation.
	Step    string `json:"step,omitempty"`
	Percent int    `json:"percent,omitempty"`

	// Message carries human-readable detail: integrity issue text, alert
	// reason, retry cause.
	Message string `json:"message,omitempty"`

	// Data carries kind-specific payloads (operation counts, reports).
	Data map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(kind Kind) Event {
	return Event{Kind: kind, Timestamp: time.Now()}
}
