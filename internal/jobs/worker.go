package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler executes one job attempt. The returned value, if non-nil, is stored
// as the job's result. A returned error counts against the retry budget.
type Handler func(ctx context.Context, j *Job) (any, error)

// defaultPoll is how often an idle worker checks the queue.
const defaultPoll = time.Second

// Pool runs N workers against a queue, dispatching to named handlers.
type Pool struct {
	queue    *Queue
	size     int
	poll     time.Duration
	handlers map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPool(queue *Queue, size int, poll time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Pool{
		queue:    queue,
		size:     size,
		poll:     poll,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job name. Must be called before Start.
func (p *Pool) Register(name string, h Handler) {
	p.handlers[name] = h
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	log.Printf("jobs: started %d worker(s)", p.size)
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Printf("jobs: workers stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		j := p.queue.Dequeue()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(p.poll):
			}
			continue
		}
		p.execute(ctx, j)
	}
}

// execute runs one attempt under the job's timeout and reports the outcome
// back to the queue.
func (p *Pool) execute(ctx context.Context, j *Job) {
	h, ok := p.handlers[j.Name]
	if !ok {
		// Retrying cannot conjure a handler into existence.
		log.Printf("jobs: job %s (%s): no handler registered", j.ID, j.Name)
		if err := p.queue.FailFatal(j.ID, fmt.Sprintf("no handler registered for %q", j.Name)); err != nil {
			log.Printf("jobs: dead-letter %s: %v", j.ID, err)
		}
		return
	}

	timeout := time.Duration(j.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var result any
	var runErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		result, runErr = h(attemptCtx, j)
	}()

	select {
	case <-attemptCtx.Done():
		// The handler goroutine is abandoned; it sees the cancelled context.
		msg := fmt.Sprintf("timed out after %ds", j.TimeoutSec)
		log.Printf("jobs: job %s (%s): %s", j.ID, j.Name, msg)
		if err := p.queue.Fail(j.ID, msg); err != nil {
			log.Printf("jobs: fail %s: %v", j.ID, err)
		}
		return
	case <-done:
	}

	if runErr != nil {
		log.Printf("jobs: job %s (%s) attempt %d failed: %v", j.ID, j.Name, j.RetryCount+1, runErr)
		if err := p.queue.Fail(j.ID, runErr.Error()); err != nil {
			log.Printf("jobs: fail %s: %v", j.ID, err)
		}
		return
	}
	if err := p.queue.Complete(j.ID, result); err != nil {
		log.Printf("jobs: complete %s: %v", j.ID, err)
	}
}
