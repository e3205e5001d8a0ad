package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Job is the work run on the scheduler's worker slot.
type Job func(ctx context.Context, task *Task) Outcome

// Task is a submitted job.
type Task struct {
	// ID uniquely identifies the attempt.
	ID string `json:"id"`

	// Name describes the job.
	Name string `json:"name"`

	// StartedAt is when the job started running.
	StartedAt time.Time `json:"started_at"`

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Done is closed when the job finishes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cancellation. The job stops at its next checkpoint.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the job finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome returns the result if the job has finished.
func (t *Task) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

// Scheduler runs at most one job at a time on a dedicated goroutine. A
// submission while the slot is held fails fast with ErrAlreadyRunning.
type Scheduler struct {
	slot   *semaphore.Weighted
	logger zerolog.Logger

	mu      sync.Mutex
	current *Task
}

// NewScheduler creates a single-slot scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		slot:   semaphore.NewWeighted(1),
		logger: logger,
	}
}

// Submit starts job on the worker slot. Cancelling ctx cancels the job.
func (s *Scheduler) Submit(ctx context.Context, name string, job Job) (*Task, error) {
	if !s.slot.TryAcquire(1) {
		return nil, ErrAlreadyRunning
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.current = task
	s.mu.Unlock()

	go s.run(taskCtx, task, job)
	return task, nil
}

// Running returns the task holding the slot, if any.
func (s *Scheduler) Running() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) run(ctx context.Context, task *Task, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task_id", task.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("upgrade task panicked")
			task.outcome = Outcome{
				Kind:  OutcomeUnknownFailure,
				Cause: NewInvariantError("task panicked", fmt.Errorf("%v", r)).WithCode(ErrCodeInternal),
			}
		}

		task.cancel()
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.slot.Release(1)
		close(task.done)
	}()

	task.outcome = job(ctx, task)
}
