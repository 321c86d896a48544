package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects how a task's next run is computed.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOnce     ScheduleKind = "once"
)

// defaultTick is how often the scheduler scans its tasks.
const defaultTick = 30 * time.Second

// cronParser accepts the standard five-field form; day-of-month and
// day-of-week combine with OR semantics when both are restricted, matching
// real cron.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is one recurring (or one-shot) job template.
type Task struct {
	Name     string
	JobName  string
	Kind     ScheduleKind
	Priority Priority
	Args     any
	Enabled  bool

	Interval time.Duration // interval kind
	CronExpr string        // cron kind
	RunAt    time.Time     // once kind

	schedule cron.Schedule
	lastRun  time.Time
	nextRun  time.Time
	fired    bool // once kind
}

// Scheduler owns the task registry and enqueues jobs as tasks come due.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*Task

	queue *Queue
	tick  time.Duration
	now   func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewScheduler(queue *Queue, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{
		tasks:  make(map[string]*Task),
		queue:  queue,
		tick:   tick,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a task and computes its first run.
func (s *Scheduler) Register(t *Task) error {
	if t.Name == "" || t.JobName == "" {
		return errors.New("task needs a name and a job name")
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	now := s.now()
	switch t.Kind {
	case ScheduleInterval:
		if t.Interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", t.Name)
		}
		t.nextRun = now.Add(t.Interval)
	case ScheduleCron:
		schedule, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return fmt.Errorf("task %s: parse cron %q: %w", t.Name, t.CronExpr, err)
		}
		t.schedule = schedule
		t.nextRun = schedule.Next(now)
	case ScheduleOnce:
		if t.RunAt.IsZero() {
			return fmt.Errorf("task %s: once task needs a run time", t.Name)
		}
		t.nextRun = t.RunAt
	default:
		return fmt.Errorf("task %s: unknown schedule kind %q", t.Name, t.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	s.tasks[t.Name] = t
	log.Printf("scheduler: registered task %s (%s, next %s)", t.Name, t.Kind, t.nextRun.Format(time.RFC3339))
	return nil
}

// Start launches the scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runDue()
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// runDue enqueues a job for every enabled task whose next run has passed.
func (s *Scheduler) runDue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, t := range s.tasks {
		if !t.Enabled || t.nextRun.IsZero() || t.nextRun.After(now) {
			continue
		}
		if t.Kind == ScheduleOnce && t.fired {
			continue
		}

		job, err := NewJob(t.JobName, t.Args)
		if err != nil {
			log.Printf("scheduler: task %s: build job: %v", t.Name, err)
			continue
		}
		job.Priority = t.Priority
		if err := s.queue.Enqueue(job); err != nil {
			log.Printf("scheduler: task %s: enqueue: %v", t.Name, err)
			continue
		}

		t.lastRun = now
		switch t.Kind {
		case ScheduleInterval:
			t.nextRun = now.Add(t.Interval)
		case ScheduleCron:
			t.nextRun = t.schedule.Next(now)
		case ScheduleOnce:
			t.fired = true
			t.nextRun = time.Time{}
		}
	}
}

// NextRun reports a task's next scheduled run, zero if unknown or spent.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		return t.nextRun
	}
	return time.Time{}
}
