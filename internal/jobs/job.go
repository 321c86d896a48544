// Package jobs is the persistent background work system: a priority queue
// with scheduled delivery and a dead-letter queue, a cron-capable scheduler,
// and a worker pool dispatching to registered handlers.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders job dispatch. Critical drains before high, and so on.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorities in dispatch order.
var priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Job status values.
const (
	StatusPending   = "pending"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one unit of background work. Args are free-form in the descriptor;
// handlers decode them into their own typed struct at entry.
type Job struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Priority Priority        `json:"priority"`
	Status   string          `json:"status"`
	Args     json.RawMessage `json:"args,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`
	TimeoutSec int `json:"timeout_sec"`

	Error string `json:"error,omitempty"`

	EnqueuedAt  time.Time `json:"enqueued_at"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// NewJob builds a job with defaults: normal priority, 3 retries, 60 s timeout.
func NewJob(name string, args any) (*Job, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		Args:       raw,
		MaxRetries: 3,
		TimeoutSec: 60,
	}, nil
}

// WithPriority sets the dispatch priority.
func (j *Job) WithPriority(p Priority) *Job {
	j.Priority = p
	return j
}

// WithRetries sets the retry budget.
func (j *Job) WithRetries(n int) *Job {
	j.MaxRetries = n
	return j
}

// WithTimeout sets the per-attempt timeout in seconds.
func (j *Job) WithTimeout(sec int) *Job {
	j.TimeoutSec = sec
	return j
}

// At schedules the job for a future time instead of immediate dispatch.
func (j *Job) At(t time.Time) *Job {
	j.ScheduledAt = t
	return j
}

// UnmarshalArgs decodes the job's argument blob into a typed struct.
func (j *Job) UnmarshalArgs(v any) error {
	if len(j.Args) == 0 {
		return nil
	}
	return json.Unmarshal(j.Args, v)
}
