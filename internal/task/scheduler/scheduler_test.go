package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/task/engine"
	logx "courier/pkg/logx"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	got   chan string
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	err := f.err
	f.mu.Unlock()
	select {
	case f.got <- t.Name:
	default:
	}
	return err
}

func (f *fakeEngine) last() engine.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

func noop(context.Context) error { return nil }

func TestIntervalJobFires(t *testing.T) {
	eng := &fakeEngine{got: make(chan string, 4)}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Register(Job{Name: "delivery.tick", Every: time.Second, Timeout: time.Minute, Exclusive: true, Run: noop})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case name := <-eng.got:
		if name != "delivery.tick" {
			t.Fatalf("enqueued %q", name)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("interval job never fired")
	}
	task := eng.last()
	if task.Timeout != time.Minute || task.Guard == nil {
		t.Fatalf("task = %+v", task)
	}
}

func TestRegisterReplacesByName(t *testing.T) {
	s := New(Config{Enabled: true}, &fakeEngine{got: make(chan string, 1)}, logx.Nop())

	if err := s.Register(Job{Name: "delivery.cleanup", Schedule: "@daily", Exclusive: true, Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	guard := s.jobs["delivery.cleanup"].guard
	if err := s.Register(Job{Name: "delivery.cleanup", Schedule: "0 3 * * *", Exclusive: true, Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := s.Jobs(); len(got) != 1 || got[0] != "delivery.cleanup" {
		t.Fatalf("jobs = %v", got)
	}
	e := s.jobs["delivery.cleanup"]
	if e.spec() != "0 3 * * *" {
		t.Fatalf("spec = %q", e.spec())
	}
	if e.guard != guard {
		t.Fatal("replacement should keep the in-flight guard")
	}

	if !s.Remove("delivery.cleanup") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("delivery.cleanup") {
		t.Fatal("second Remove returned true")
	}
}

func TestRegisterWhileRunningAndAfterRestart(t *testing.T) {
	eng := &fakeEngine{got: make(chan string, 8)}
	s := New(Config{Enabled: true}, eng, logx.Nop())
	s.Start(context.Background())
	if err := s.Register(Job{Name: "every-second", Schedule: "* * * * * *", Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Stop(context.Background())
	for len(eng.got) > 0 {
		<-eng.got
	}

	// Definitions survive Stop and are scheduled again on Start.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-eng.got:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire after restart")
	}
}

func TestRegisterRejectsBadJobs(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	if err := s.Register(Job{Name: " ", Every: time.Minute, Run: noop}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Register(Job{Name: "x", Every: time.Minute}); err == nil {
		t.Fatal("nil run accepted")
	}
	if err := s.Register(Job{Name: "x", Schedule: "61 * * * *", Run: noop}); err == nil {
		t.Fatal("bad cron accepted")
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("jobs = %v", s.Jobs())
	}
}

func TestFireSwallowsBusy(t *testing.T) {
	eng := &fakeEngine{got: make(chan string, 2), err: engine.ErrBusy}
	s := New(Config{}, eng, logx.Nop())
	e := &entry{job: Job{Name: "delivery.tick", Run: noop}}

	s.fire(e)
	if _, ok := s.warned["delivery.tick"]; ok {
		t.Fatal("busy skip should not be throttled as a warning")
	}

	eng.err = errors.New("queue full")
	s.fire(e)
	first := s.warned["delivery.tick"]
	if first.IsZero() {
		t.Fatal("enqueue failure should record a warning time")
	}
	s.fire(e)
	if !s.warned["delivery.tick"].Equal(first) {
		t.Fatal("repeat warning inside the throttle window should be suppressed")
	}
}
