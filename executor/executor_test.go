package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunStartsImmediatelyWhenIdle(t *testing.T) {
	e := New()
	defer e.Close()

	var ran atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})

	ok := e.Run(context.Background(), "promote", func(ctx context.Context, task *Task) {
		ran.Store(true)
		close(started)
		<-release
	})
	if !ok {
		t.Fatal("expected Run to accept the action on an idle executor")
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("action never started")
	}
	if !ran.Load() {
		t.Fatal("expected action to have run")
	}
	close(release)
	e.Wait()
}

func TestRunRefusesWhenBusy(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	e.Run(context.Background(), "first", func(ctx context.Context, task *Task) {
		close(started)
		<-release
	})
	<-started

	if !e.Busy() {
		t.Fatal("expected executor to report busy while an action is running")
	}
	if e.Run(context.Background(), "second", func(ctx context.Context, task *Task) {}) {
		t.Fatal("expected Run to refuse a second action while busy")
	}

	close(release)
	e.Wait()
	if e.Busy() {
		t.Fatal("expected executor to be idle after the action finished")
	}
}

func TestCancelStopsCooperatingAction(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	e.Run(context.Background(), "demote", func(ctx context.Context, task *Task) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	e.Cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected Cancel to signal the action's context")
	}
	e.Wait()
}

// TestMarkCriticalRefusesCancel covers spec.md §4.5's CriticalTask rule: once
// an action has passed its point of no return, Cancel must not touch it.
func TestMarkCriticalRefusesCancel(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	finished := make(chan struct{})
	e.Run(context.Background(), "promote", func(ctx context.Context, task *Task) {
		task.MarkCritical()
		close(started)
		// A critical action ignores cancellation and runs to completion.
		select {
		case <-ctx.Done():
			t.Error("critical action's context must not be cancelled")
		case <-time.After(50 * time.Millisecond):
		}
		close(finished)
	})
	<-started
	e.Cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("action never finished")
	}
	e.Wait()
}

func TestScheduleReturnsPreviouslyQueuedName(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	e.Run(context.Background(), "running", func(ctx context.Context, task *Task) {
		close(started)
		<-release
	})
	<-started

	// Scheduling while busy just reserves the slot; it does not start
	// anything until the current action finishes and the worker loops.
	prev := e.Schedule("queued-a", func(ctx context.Context, task *Task) {})
	if prev != "" {
		t.Fatalf("expected no previously queued action, got %q", prev)
	}
	prev = e.Schedule("queued-b", func(ctx context.Context, task *Task) {})
	if prev != "queued-a" {
		t.Fatalf("expected Schedule to report the replaced action name, got %q", prev)
	}

	close(release)
	e.Wait()
}

func TestCurrentName(t *testing.T) {
	e := New()
	defer e.Close()

	if _, ok := e.CurrentName(); ok {
		t.Fatal("expected no current action on a fresh executor")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	e.Run(context.Background(), "rewind", func(ctx context.Context, task *Task) {
		close(started)
		<-release
	})
	<-started

	name, ok := e.CurrentName()
	if !ok || name != "rewind" {
		t.Fatalf("got (%q, %v), want (\"rewind\", true)", name, ok)
	}
	close(release)
	e.Wait()
}

func TestActionPanicDoesNotWedgeExecutor(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	ok := e.Run(context.Background(), "panicky", func(ctx context.Context, task *Task) {
		close(started)
		panic("boom")
	})
	if !ok {
		t.Fatal("expected Run to accept the action")
	}
	<-started
	e.Wait()

	if e.Busy() {
		t.Fatal("expected executor to recover from a panicking action and go idle")
	}
	if !e.Run(context.Background(), "after", func(ctx context.Context, task *Task) {}) {
		t.Fatal("expected executor to accept new work after recovering from a panic")
	}
	e.Wait()
}
