package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerSingleSlot(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	ctx := context.Background()

	release := make(chan struct{})
	first, err := s.Submit(ctx, "first", func(ctx context.Context, task *Task) Outcome {
		<-release
		return Outcome{Kind: OutcomeInstalled, Version: 2}
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if first.ID == "" || first.Name != "first" {
		t.Errorf("task = %+v", first)
	}

	if _, err := s.Submit(ctx, "second", func(context.Context, *Task) Outcome {
		return Outcome{Kind: OutcomeInstalled}
	}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, done := first.Outcome(); done {
		t.Error("outcome available before the job finished")
	}

	close(release)
	out, err := first.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeInstalled || out.Version != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if s.Running() != nil {
		t.Error("slot not released")
	}

	second, err := s.Submit(ctx, "second", func(context.Context, *Task) Outcome {
		return Outcome{Kind: OutcomeUpToDate}
	})
	if err != nil {
		t.Fatalf("slot should be free after the first job: %v", err)
	}
	<-second.Done()
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	task, err := s.Submit(context.Background(), "panics", func(context.Context, *Task) Outcome {
		panic("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()

	out, ok := task.Outcome()
	if !ok || out.Kind != OutcomeUnknownFailure || out.Cause == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := s.Submit(context.Background(), "after", func(context.Context, *Task) Outcome {
		return Outcome{Kind: OutcomeUpToDate}
	}); err != nil {
		t.Errorf("slot not released after panic: %v", err)
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	task, err := s.Submit(context.Background(), "cancellable", func(ctx context.Context, _ *Task) Outcome {
		<-ctx.Done()
		return OutcomeFromError(cancelledError(ctx.Err()))
	})
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wait deadline, got %v", err)
	}

	task.Cancel()
	out, err := task.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if CodeOf(out.Cause) != ErrCodeCancelled {
		t.Errorf("outcome = %s, want cancelled", out)
	}
}
