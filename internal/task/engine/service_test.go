package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		unsub()
	})
	return s, events
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEngineRunsTask(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 1})

	var ran atomic.Int32
	err := s.Enqueue(Task{Name: "delivery.tick", Run: func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, events, eventbus.TypeTaskFinished)
	if ev.Name != "delivery.tick" || ev.Attempts != 1 || ev.Run == 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ran.Load() != 1 {
		t.Fatalf("ran %d times", ran.Load())
	}
}

func TestEngineNoRetryStopsAfterFirstAttempt(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 1, RetryMax: 3, RetryBackoff: time.Millisecond})

	var ran atomic.Int32
	boom := errors.New("store unavailable")
	_ = s.Enqueue(Task{Name: "delivery.tick", Run: func(ctx context.Context) error {
		ran.Add(1)
		return NoRetry(boom)
	}})
	ev := waitEvent(t, events, eventbus.TypeTaskFailed)
	if ev.Attempts != 1 || ev.Error != boom.Error() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ran.Load() != 1 {
		t.Fatalf("ran %d times", ran.Load())
	}
}

func TestNoRetryIsTransparent(t *testing.T) {
	boom := errors.New("boom")
	wrapped := NoRetry(boom)
	if !errors.Is(wrapped, boom) {
		t.Fatal("errors.Is should see through NoRetry")
	}
	if finalCause(wrapped) != boom {
		t.Fatal("finalCause should return the wrapped error")
	}
	if finalCause(boom) != nil || NoRetry(nil) != nil {
		t.Fatal("plain errors and nil are not final")
	}
}

func TestEngineRetriesFailedRuns(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 1, RetryMax: 2, RetryBackoff: time.Millisecond})

	var ran atomic.Int32
	_ = s.Enqueue(Task{Name: "delivery.cleanup", Run: func(ctx context.Context) error {
		if ran.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	ev := waitEvent(t, events, eventbus.TypeTaskFinished)
	if ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ev.Attempts)
	}
}

func TestEngineRecoversPanic(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 1, RetryMax: 1, RetryBackoff: time.Millisecond})

	_ = s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error {
		panic("kaboom")
	}})
	ev := waitEvent(t, events, eventbus.TypeTaskFailed)
	if ev.Error != "panic: kaboom" || ev.Attempts != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}

	// The worker survives and keeps processing.
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }})
	waitEvent(t, events, eventbus.TypeTaskFinished)
}

func TestEngineAppliesDefaultTimeout(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})

	_ = s.Enqueue(Task{Name: "hung", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return NoRetry(ctx.Err())
	}})
	ev := waitEvent(t, events, eventbus.TypeTaskFailed)
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", ev.Error)
	}
}

func TestEngineGuardSkipsOverlap(t *testing.T) {
	s, events := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	guard := &Guard{}
	slow := Task{Name: "delivery.tick", Guard: guard, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(slow); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started

	slow.Run = func(ctx context.Context) error { return nil }
	if err := s.Enqueue(slow); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Enqueue err = %v, want ErrBusy", err)
	}
	close(release)
	waitEvent(t, events, eventbus.TypeTaskFinished)

	// The guard is free again once the run finishes.
	if err := s.Enqueue(slow); err != nil {
		t.Fatalf("third Enqueue: %v", err)
	}
}

func TestEngineQueueFullReleasesGuard(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	_ = s.Enqueue(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }})

	guard := &Guard{}
	overflow := Task{Name: "delivery.tick", Guard: guard, Run: func(ctx context.Context) error { return nil }}
	if err := s.Enqueue(overflow); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if !guard.acquire() {
		t.Fatal("guard should be released after a queue-full drop")
	}
}

func TestEngineStopReleasesQueuedGuards(t *testing.T) {
	bus := eventbus.New()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), bus)
	s.Start(context.Background())

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	guard := &Guard{}
	if err := s.Enqueue(Task{Name: "delivery.cleanup", Guard: guard, Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if !guard.acquire() {
		t.Fatal("queued guard should be released by Stop")
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestEngineApplyTogglesWorkers(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	ctx := context.Background()

	s.Apply(ctx, Config{Enabled: true, Workers: 1})
	if err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after enable: %v", err)
	}

	s.Apply(ctx, Config{})
	if err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, maxRetryDelay},
		{9, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := backoff(4*time.Second, tt.retry, 0); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	for range 50 {
		if got := backoff(time.Second, 1, 0.2); got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±20%%", got)
		}
	}
}
