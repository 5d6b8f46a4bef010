package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/triage-agent/internal/metrics"
)

var (
	// ErrStopped is returned when scheduling on a scheduler that has shut down.
	ErrStopped = errors.New("scheduler stopped")
	// ErrDrainTimeout is returned when in-flight tasks outlive the grace period.
	ErrDrainTimeout = errors.New("in-flight tasks did not drain before deadline")
)

// Handler executes one due task. The context is detached from whoever
// scheduled the task and is only cancelled by a forced shutdown.
type Handler func(ctx context.Context, task Task) error

// Options tune a Scheduler.
type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int
	Clock         clockwork.Clock
	Logger        *slog.Logger
	// OnDropped is called for each task a non-durable queue still holds
	// when Shutdown completes. Those tasks will never run.
	OnDropped func(ctx context.Context, task Task)
}

// Scheduler polls a Queue and runs due tasks on a bounded worker pool.
type Scheduler struct {
	queue    Queue
	clock    clockwork.Clock
	logger   *slog.Logger
	poll     time.Duration
	slots    *semaphore.Weighted
	wake     chan struct{}
	handlers map[string]Handler
	dropped  func(ctx context.Context, task Task)

	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inFlight map[string]Task
}

// New constructs a Scheduler over queue.
func New(queue Queue, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:      queue,
		clock:      opts.Clock,
		logger:     opts.Logger,
		poll:       opts.PollInterval,
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:       make(chan struct{}, 1),
		handlers:   make(map[string]Handler),
		dropped:    opts.OnDropped,
		workCtx:    workCtx,
		cancelWork: cancel,
		inFlight:   make(map[string]Task),
	}
}

// Register routes tasks of kind to h. Register before Run.
func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Schedule queues task to run after delay. ID and CreatedAt are filled in
// when empty; RunAt is always now+delay on the scheduler's clock.
func (s *Scheduler) Schedule(ctx context.Context, task Task, delay time.Duration) (Task, error) {
	s.mu.Lock()
	stopped := s.stopped
	_, known := s.handlers[task.Kind]
	s.mu.Unlock()
	if stopped {
		return Task{}, ErrStopped
	}
	if !known {
		return Task{}, fmt.Errorf("no handler registered for task kind %q", task.Kind)
	}
	if delay < 0 {
		delay = 0
	}

	now := s.clock.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.RunAt = now.Add(delay)

	if err := s.queue.Push(ctx, task); err != nil {
		return Task{}, fmt.Errorf("queue task: %w", err)
	}
	s.reportDepth(ctx)
	s.logger.Info("task scheduled", "task_id", task.ID, "kind", task.Kind, "incident_id", task.IncidentID, "run_at", task.RunAt)
	if delay == 0 {
		s.nudge()
	}
	return task, nil
}

// Pending lists queued tasks that have not started, earliest first.
func (s *Scheduler) Pending(ctx context.Context) ([]Task, error) {
	return s.queue.List(ctx)
}

// InFlight lists tasks currently executing.
func (s *Scheduler) InFlight() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.inFlight))
	for _, t := range s.inFlight {
		out = append(out, t)
	}
	return out
}

// Snapshot is the operator view of the scheduler.
type Snapshot struct {
	Pending  []Task `json:"pending"`
	InFlight []Task `json:"in_flight"`
	Durable  bool   `json:"durable"`
}

// Snapshot lists queued and executing tasks.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	inFlight := s.InFlight()
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].RunAt.Before(inFlight[j].RunAt) })
	return Snapshot{Pending: pending, InFlight: inFlight, Durable: s.queue.Durable()}, nil
}

// Cancel removes a task that has not started yet.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := s.queue.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.reportDepth(ctx)
		s.logger.Info("task cancelled", "task_id", id)
	}
	return removed, nil
}

// Run dispatches due tasks until ctx is done. It does not wait for
// in-flight tasks; call Shutdown for that.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.poll)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-s.wake:
		}
		s.dispatch(ctx)
	}
}

// Shutdown stops accepting tasks and waits for in-flight tasks until ctx
// is done, after which their contexts are cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ErrDrainTimeout
	}
	s.cancelWork()
	if err != nil {
		<-done
	}

	s.settlePending(context.Background())
	return err
}

// settlePending leaves a durable queue untouched for the next process and
// empties a memory queue, reporting every task it discards.
func (s *Scheduler) settlePending(ctx context.Context) {
	if s.queue.Durable() {
		if n, err := s.queue.Len(ctx); err == nil && n > 0 {
			s.logger.Info("pending tasks retained in durable queue", "count", n)
		}
		return
	}
	tasks, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Error("listing pending tasks on shutdown failed", "error", err)
		return
	}
	for _, task := range tasks {
		removed, err := s.queue.Remove(ctx, task.ID)
		if err != nil || !removed {
			continue
		}
		s.logger.Warn("pending task dropped on shutdown",
			"task_id", task.ID, "kind", task.Kind, "incident_id", task.IncidentID, "run_at", task.RunAt)
		if s.dropped != nil {
			s.dropped(ctx, task)
		}
	}
	s.reportDepth(ctx)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		if !s.slots.TryAcquire(1) {
			return
		}
		tasks, err := s.queue.PopDue(ctx, s.clock.Now(), 1)
		if err != nil {
			s.slots.Release(1)
			s.logger.Error("poll task queue", "error", err)
			return
		}
		if len(tasks) == 0 {
			s.slots.Release(1)
			return
		}
		s.reportDepth(ctx)
		s.start(tasks[0])
	}
}

func (s *Scheduler) start(task Task) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.slots.Release(1)
		if err := s.queue.Push(context.Background(), task); err != nil {
			s.logger.Error("requeue task after stop", "task_id", task.ID, "error", err)
		}
		return
	}
	handler := s.handlers[task.Kind]
	s.inFlight[task.ID] = task
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.slots.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, task.ID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked", "task_id", task.ID, "kind", task.Kind, "panic", r)
			}
		}()

		if handler == nil {
			s.logger.Error("no handler for task", "task_id", task.ID, "kind", task.Kind)
			return
		}
		started := s.clock.Now()
		if err := handler(s.workCtx, task); err != nil {
			s.logger.Warn("task finished with error", "task_id", task.ID, "kind", task.Kind, "incident_id", task.IncidentID, "error", err)
			return
		}
		s.logger.Debug("task finished", "task_id", task.ID, "kind", task.Kind, "duration", s.clock.Since(started))
	}()
}

func (s *Scheduler) reportDepth(ctx context.Context) {
	if n, err := s.queue.Len(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}
}
