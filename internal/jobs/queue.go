package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	// resultTTL bounds how long completed-job results stay readable.
	resultTTL = 7 * 24 * time.Hour
	// maxBackoff caps the retry delay.
	maxBackoff = time.Hour
	// baseBackoff is the first retry delay; each retry doubles it.
	baseBackoff = 60 * time.Second
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNotInFlight  = errors.New("job is not in flight")
	ErrDuplicateJob = errors.New("job id already enqueued")
)

// retryDelay returns min(60·2^retry, 3600) seconds.
var retryDelay = func() func(retry int) time.Duration {
	b := &backoff.Backoff{Min: baseBackoff, Max: maxBackoff, Factor: 2, Jitter: false}
	return func(retry int) time.Duration {
		// ForAttempt(n) = Min · Factor^n, capped at Max: retry 1 waits
		// 120 s, retry 2 waits 240 s, and so on up to an hour.
		return b.ForAttempt(float64(retry))
	}
}()

// storedResult is one completed job's output, kept until the TTL expires.
type storedResult struct {
	Value    json.RawMessage
	StoredAt time.Time
}

// Queue is the in-memory job store. Every public operation is one critical
// section, so queue, scheduled set, in-flight set and DLQ always agree: a job
// id lives in exactly one of them at a time.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*Job        // all known jobs by id
	ready     map[Priority][]string  // FIFO per priority
	scheduled map[string]time.Time   // id -> readiness
	inflight  map[string]struct{}
	dlq       []string
	results   map[string]storedResult

	now func() time.Time // injectable clock for tests
}

func NewQueue() *Queue {
	q := &Queue{
		jobs:      make(map[string]*Job),
		ready:     make(map[Priority][]string),
		scheduled: make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
		results:   make(map[string]storedResult),
		now:       time.Now,
	}
	return q
}

// Enqueue registers a job. Future-scheduled jobs go to the scheduled set,
// everything else straight to its priority queue.
func (q *Queue) Enqueue(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[j.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}
	now := q.now()
	j.EnqueuedAt = now
	q.jobs[j.ID] = j

	if !j.ScheduledAt.IsZero() && j.ScheduledAt.After(now) {
		j.Status = StatusScheduled
		q.scheduled[j.ID] = j.ScheduledAt
		return nil
	}
	j.Status = StatusPending
	q.ready[j.Priority] = append(q.ready[j.Priority], j.ID)
	return nil
}

// Dequeue promotes due scheduled jobs, then pops the highest-priority ready
// job, marking it running and in flight. Returns nil when nothing is ready.
func (q *Queue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()

	for _, p := range priorities {
		ids := q.ready[p]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		q.ready[p] = ids[1:]

		j := q.jobs[id]
		j.Status = StatusRunning
		j.StartedAt = q.now()
		q.inflight[id] = struct{}{}
		return j
	}
	return nil
}

// promoteDueLocked moves every scheduled job whose readiness has passed into
// its priority queue. Promotion order is deterministic: readiness, then id.
func (q *Queue) promoteDueLocked() {
	now := q.now()
	var due []string
	for id, at := range q.scheduled {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		ti, tk := q.scheduled[due[i]], q.scheduled[due[k]]
		if ti.Equal(tk) {
			return due[i] < due[k]
		}
		return ti.Before(tk)
	})
	for _, id := range due {
		delete(q.scheduled, id)
		j := q.jobs[id]
		j.Status = StatusPending
		q.ready[j.Priority] = append(q.ready[j.Priority], id)
	}
}

// Complete finishes an in-flight job and stores its result.
func (q *Queue) Complete(id string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	delete(q.inflight, id)

	j.Status = StatusCompleted
	j.FinishedAt = q.now()
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			q.results[id] = storedResult{Value: raw, StoredAt: j.FinishedAt}
		}
	}
	q.pruneResultsLocked()
	return nil
}

// Fail records a failed attempt. With budget remaining the job is scheduled
// for retry with exponential backoff; with budget exhausted it moves to the
// dead-letter queue, error text preserved.
func (q *Queue) Fail(id, errMsg string) error {
	return q.fail(id, errMsg, false)
}

// FailFatal skips the retry budget and dead-letters the job immediately.
// Used for errors that cannot heal, like a missing handler or bad arguments.
func (q *Queue) FailFatal(id, errMsg string) error {
	return q.fail(id, errMsg, true)
}

func (q *Queue) fail(id, errMsg string, fatal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, id)
	}
	delete(q.inflight, id)
	j.Error = errMsg

	if !fatal && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		delay := retryDelay(j.RetryCount)
		j.Status = StatusRetrying
		j.ScheduledAt = q.now().Add(delay)
		q.scheduled[j.ID] = j.ScheduledAt
		return nil
	}

	j.Status = StatusFailed
	j.FinishedAt = q.now()
	q.dlq = append(q.dlq, id)
	return nil
}

// Get returns a job by id, nil if unknown.
func (q *Queue) Get(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

// Snapshot returns a copy of a job's current state, safe to read while
// workers are still mutating it.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Result returns a completed job's stored result, nil if absent or expired.
func (q *Queue) Result(id string) json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.results[id]
	if !ok || q.now().Sub(r.StoredAt) > resultTTL {
		return nil
	}
	return r.Value
}

// DeadLetters returns copies of all dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.dlq))
	for _, id := range q.dlq {
		out = append(out, *q.jobs[id])
	}
	return out
}

// Stats summarizes queue occupancy.
type Stats struct {
	Ready      map[Priority]int `json:"ready"`
	Scheduled  int              `json:"scheduled"`
	InFlight   int              `json:"in_flight"`
	DeadLetter int              `json:"dead_letter"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Ready: make(map[Priority]int), Scheduled: len(q.scheduled), InFlight: len(q.inflight), DeadLetter: len(q.dlq)}
	for _, p := range priorities {
		s.Ready[p] = len(q.ready[p])
	}
	return s
}

func (q *Queue) pruneResultsLocked() {
	cutoff := q.now().Add(-resultTTL)
	for id, r := range q.results {
		if r.StoredAt.Before(cutoff) {
			delete(q.results, id)
		}
	}
}
