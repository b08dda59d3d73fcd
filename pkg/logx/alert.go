package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender receives formatted alert text. The app binds it to an operator chat.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	maxAlertLen      = 3500 // under Telegram's 4096 limit
	maxAlertField    = 600
)

// alertSink is a zerolog.LevelWriter that queues records for a background
// sender. Logging never waits on it: records over the rate or past a full
// queue are dropped.
type alertSink struct {
	queue chan string

	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	stop     context.CancelFunc
	done     chan struct{}
}

func newAlertSink() *alertSink {
	return &alertSink{queue: make(chan string, alertQueueSize), minLevel: zerolog.WarnLevel}
}

func (a *alertSink) setSender(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

// configure applies cfg and starts the worker the first time alerts are enabled.
func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(cfg.RatePerSec, 1)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled {
		return
	}
	if a.sender == nil {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled but no sender is set")
	}
	if a.stop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.stop, a.done = cancel, make(chan struct{})
		go a.run(ctx, a.done)
	}
}

func (a *alertSink) close() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (a *alertSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			s := a.sender
			a.mu.Unlock()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = s.SendText(sctx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if ok {
		select {
		case a.queue <- formatAlert(p):
		default:
		}
	}
	return len(p), nil
}

// formatAlert renders a JSON record as "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted.
func formatAlert(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), maxAlertLen)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName:
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), maxAlertField))
	}
	return clip(b.String(), maxAlertLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
