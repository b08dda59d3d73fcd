package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSONExpandsEnv(t *testing.T) {
	t.Setenv("COURIER_TEST_SMTP_PASS", `p"a$s`)
	path := writeConfig(t, "courier.json", `{
  "logging": {"level": "debug"},
  "storage": {"driver": "sqlite", "path": "${COURIER_TEST_DB:-./courier.db}"},
  "delivery": {"tick_interval": "30s", "batch_size": 5},
  "channels": [
    {"id": "c1", "owner": "u1", "kind": "email",
     "credentials": {"password": "${COURIER_TEST_SMTP_PASS}"}}
  ]
}`)

	cfg, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "./courier.db" {
		t.Fatalf("storage default not applied: %+v", cfg.Storage)
	}
	if got := cfg.Channels[0].Credentials["password"]; got != `p"a$s` {
		t.Fatalf("password = %q", got)
	}
	if cfg.Delivery.BatchSize != 5 {
		t.Fatalf("batch_size = %d", cfg.Delivery.BatchSize)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "courier.yaml", `
logging:
  level: info
scheduler:
  enabled: true
  timezone: UTC
channels:
  - id: ops
    owner: alice
    kind: webhook
    credentials:
      url: https://example.invalid/hook
`)
	cfg, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Credentials["url"] == "" {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"bogus": 1}`, "unknown field"},
		{"trailing data", `{} {}`, "trailing data"},
		{"bad duration", `{"delivery": {"tick_interval": "soon"}}`, "delivery.tick_interval"},
		{"sqlite without path", `{"storage": {"driver": "sqlite"}}`, "storage.path"},
		{"duplicate channel", `{"channels": [
			{"id": "a", "owner": "u", "kind": "email"},
			{"id": "a", "owner": "u", "kind": "email"}]}`, "duplicate id"},
		{"alert without target", `{"logging": {"alert": {"enabled": true}}}`, "alerts.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "courier.json", tt.body)
			_, err := ReadFile(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSubscribeReceivesLatest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{HTTP: HTTPConfig{Addr: ":1"}}
	second := &Config{HTTP: HTTPConfig{Addr: ":2"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("expected newest config, got %+v", got)
	}
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "A" {
			return "x", true
		}
		return "", false
	}
	got := string(expandEnv([]byte(`$A ${A} ${B:-def} ${C}`), false, lookup))
	if got != `$A x def ` {
		t.Fatalf("expandEnv = %q", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: time.Minute, want: time.Minute},
		{raw: " 0s ", def: time.Minute, want: time.Minute},
		{raw: "90s", def: time.Minute, want: 90 * time.Second},
		{raw: "", want: 0},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Duration("delivery.tick_interval", tt.raw, tt.def)
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "delivery.tick_interval") {
				t.Fatalf("Duration(%q) err = %v", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("Duration(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestReloadGateAndDedupe(t *testing.T) {
	path := writeConfig(t, "courier.yaml", "http:\n  addr: \":8080\"\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	var gated int
	reject := true
	m.SetGate(func(ctx context.Context, cfg *Config) error {
		gated++
		if reject {
			return errors.New("bad cleanup schedule")
		}
		return nil
	})

	// Same content: no gate call, nothing published.
	m.reload(context.Background())
	if gated != 0 || len(ch) != 0 {
		t.Fatalf("unchanged reload: gated=%d published=%d", gated, len(ch))
	}

	if err := os.WriteFile(path, []byte("http:\n  addr: \":9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if gated != 1 || len(ch) != 0 || m.Get().HTTP.Addr != ":8080" {
		t.Fatalf("rejected reload leaked: gated=%d published=%d addr=%s", gated, len(ch), m.Get().HTTP.Addr)
	}

	reject = false
	m.reload(context.Background())
	if got := <-ch; got.HTTP.Addr != ":9090" || m.Get() != got {
		t.Fatalf("published %+v, committed %+v", got.HTTP, m.Get().HTTP)
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeConfig(t, "courier.json", `{"http": {"addr": ":1"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and the change lands.
	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(`{"http": {"addr": ":2"}}`), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-ch:
			if got.HTTP.Addr != ":2" {
				t.Fatalf("addr = %q", got.HTTP.Addr)
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("watcher never published the edit")
		}
	}
}
