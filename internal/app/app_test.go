package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/message"
	"courier/internal/scheduling"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppDeliversThroughWebhook(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	path := writeConfig(t, `
logging:
  level: error
delivery:
  tick_interval: 1h
channels:
  - id: hook
    owner: alice
    kind: webhook
    credentials:
      url: `+hook.URL+`
`)

	a, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if jobs := a.sched.Jobs(); len(jobs) != 2 || jobs[0] != cleanupTaskName || jobs[1] != tickTaskName {
		t.Fatalf("jobs = %v", jobs)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopUnknown)
	}()

	res, err := a.messages.Schedule(ctx, "alice", scheduling.ScheduleRequest{
		ChannelID:    "hook",
		Recipients:   []string{"ops"},
		Body:         "deploy done",
		ScheduledFor: time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if err := a.tickJob(ctx); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Fatalf("webhook hits = %d, want 1", hits.Load())
	}
	m, err := a.messages.Get(ctx, "alice", res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != message.StatusSent {
		t.Fatalf("status = %s, want SENT", m.Status)
	}

	if err := a.cleanupJob(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsUnknownChannelKind(t *testing.T) {
	path := writeConfig(t, `
channels:
  - id: p
    owner: alice
    kind: pigeon
`)
	if _, err := New(path); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestValidateConfigGate(t *testing.T) {
	a, err := New(writeConfig(t, "logging:\n  level: error\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()

	ok := &config.Config{}
	if err := a.validateConfig(context.Background(), ok); err != nil {
		t.Fatalf("empty config should pass: %v", err)
	}

	badCron := &config.Config{Delivery: config.DeliveryConfig{CleanupSchedule: "every now and then"}}
	if err := a.validateConfig(context.Background(), badCron); err == nil {
		t.Fatal("expected bad cleanup schedule to be rejected")
	}

	badTZ := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}}
	if err := a.validateConfig(context.Background(), badTZ); err == nil {
		t.Fatal("expected bad timezone to be rejected")
	}

	badKind := &config.Config{Channels: []config.ChannelConfig{{ID: "x", Owner: "o", Kind: "fax"}}}
	if err := a.validateConfig(context.Background(), badKind); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestApplyConfigSwapsChannelsAndDisablesDelivery(t *testing.T) {
	a, err := New(writeConfig(t, "logging:\n  level: error\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()

	old := a.cfgm.Get()
	off := false
	next := &config.Config{
		Logging:  old.Logging,
		Delivery: config.DeliveryConfig{Enabled: &off},
		Channels: []config.ChannelConfig{{ID: "hook", Owner: "alice", Kind: "webhook", Credentials: map[string]string{"url": "http://127.0.0.1:1"}}},
	}
	a.applyConfig(context.Background(), old, next)

	if a.directory.Len() != 1 {
		t.Fatalf("directory len = %d, want 1", a.directory.Len())
	}
	if jobs := a.sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("jobs %v should be removed when delivery is disabled", jobs)
	}
}
