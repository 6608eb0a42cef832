// Package workqueue runs background tasks on a fixed set of workers fed by a
// bounded queue. Submission never blocks: callers receive a Handle to poll, or
// an error when the queue is full or closed.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	id "actnexus/pkg/domain"
)

var (
	ErrQueueFull = errors.New("work queue full")
	ErrClosed    = errors.New("work queue closed")
)

// State is the lifecycle state of a queued task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// Task is the unit of background work. The returned value is kept on the handle.
type Task func(ctx context.Context) (any, error)

// Owner records who submitted a task. Group separates the services that
// share one pool.
type Owner struct {
	Group string
	Actor string
}

// Handle tracks one submitted task.
type Handle struct {
	id        id.JobID
	name      string
	owner     Owner
	task      Task
	done      chan struct{}
	submitted time.Time

	mu       sync.Mutex
	state    State
	result   any
	err      error
	started  time.Time
	finished time.Time
}

// Snapshot is a point-in-time copy of a handle for responses.
type Snapshot struct {
	ID          id.JobID
	Name        string
	State       State
	Result      any
	Err         error
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (h *Handle) ID() id.JobID          { return h.id }
func (h *Handle) Name() string          { return h.name }
func (h *Handle) Owner() Owner          { return h.owner }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the task error once done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Result returns the task result once done.
func (h *Handle) Result() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Cancel withdraws a task that has not started yet. It reports false once a
// worker picked the task up.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateQueued {
		return false
	}
	h.state = StateCancelled
	h.finished = time.Now()
	close(h.done)
	return true
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:          h.id,
		Name:        h.name,
		State:       h.state,
		Result:      h.result,
		Err:         h.err,
		SubmittedAt: h.submitted,
		StartedAt:   h.started,
		FinishedAt:  h.finished,
	}
}

func (h *Handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateQueued {
		return false
	}
	h.state = StateRunning
	h.started = time.Now()
	return true
}

func (h *Handle) finish(result any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateDone
	h.result = result
	h.err = err
	h.finished = time.Now()
	close(h.done)
}

// Pool is a fixed-size worker pool.
type Pool struct {
	logger  *slog.Logger
	workers int
	retain  time.Duration

	mu      sync.RWMutex
	queue   chan *Handle
	closed  bool
	handles map[id.JobID]*Handle

	group  errgroup.Group
	cancel context.CancelFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithRetention keeps finished handles available to Lookup for d.
func WithRetention(d time.Duration) Option {
	return func(p *Pool) {
		p.retain = d
	}
}

func New(workers, queueSize int, logger *slog.Logger, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		logger:  logger,
		workers: workers,
		retain:  time.Hour,
		queue:   make(chan *Handle, queueSize),
		handles: make(map[id.JobID]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Tasks run with a context derived from ctx that
// is only cancelled when Shutdown gives up waiting.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			for h := range p.queue {
				p.run(runCtx, h)
			}
			return nil
		})
	}
}

// SubmitOption configures one submitted task.
type SubmitOption func(*Handle)

// OwnedBy tags the task with the submitting service group and actor.
func OwnedBy(group, actor string) SubmitOption {
	return func(h *Handle) {
		h.owner = Owner{Group: group, Actor: actor}
	}
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(name string, task Task, opts ...SubmitOption) (*Handle, error) {
	h := &Handle{
		id:        id.NewJobID(),
		name:      name,
		task:      task,
		done:      make(chan struct{}),
		submitted: time.Now(),
		state:     StateQueued,
	}
	for _, opt := range opts {
		opt(h)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case p.queue <- h:
	default:
		p.mu.RUnlock()
		return nil, ErrQueueFull
	}
	p.mu.RUnlock()

	p.mu.Lock()
	p.pruneLocked(h.submitted)
	p.handles[h.id] = h
	p.mu.Unlock()
	return h, nil
}

// Lookup returns a handle that is still retained.
func (p *Pool) Lookup(jobID id.JobID) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[jobID]
	return h, ok
}

// Depth reports the number of tasks waiting for a worker.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Shutdown stops intake and waits for queued and running tasks. When ctx
// expires first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return fmt.Errorf("work queue shutdown: %w", ctx.Err())
	}
}

func (p *Pool) run(ctx context.Context, h *Handle) {
	if !h.begin() {
		return
	}
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task %s panicked: %v", h.name, rec)
				p.logger.ErrorContext(ctx, "work queue task panicked",
					"job_id", h.id.String(),
					"task", h.name,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()
		result, err = h.task(ctx)
	}()
	if err != nil {
		p.logger.WarnContext(ctx, "work queue task failed",
			"job_id", h.id.String(),
			"task", h.name,
			"error", err,
		)
	}
	h.finish(result, err)
}

func (p *Pool) pruneLocked(now time.Time) {
	for jobID, h := range p.handles {
		snap := h.Snapshot()
		if (snap.State == StateDone || snap.State == StateCancelled) && now.Sub(snap.FinishedAt) > p.retain {
			delete(p.handles, jobID)
		}
	}
}
