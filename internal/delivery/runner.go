package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"courier/internal/channel"
	"courier/internal/eventbus"
	"courier/internal/message"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	DefaultBatchSize       = 10
	DefaultDispatchTimeout = 30 * time.Second
	DefaultLeaseTTL        = 5 * time.Minute
	DefaultLeaseName       = "delivery.tick"

	// outcome writes get their own budget so a cancelled tick still records results.
	writeTimeout = 10 * time.Second
)

const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultError   = "error"

	outcomeSent     = "sent"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
	outcomeLost     = "lost"
	outcomeError    = "error"
	outcomeRequeued = "requeued"
)

// Config holds the runner knobs that can change on a config reload.
type Config struct {
	BatchSize       int
	DispatchTimeout time.Duration
	Lease           LeaseConfig
}

// LeaseConfig controls the store lease that keeps ticks single-flight across
// processes sharing one database. The lease is renewed before every message,
// so TTL only has to cover one claim, dispatch and outcome write.
type LeaseConfig struct {
	Enabled bool
	Name    string
	TTL     time.Duration
}

// MinLeaseTTL is the shortest lease that outlives one message: claim,
// dispatch and outcome write, with the same again as margin.
func MinLeaseTTL(dispatchTimeout time.Duration) time.Duration {
	return 2*dispatchTimeout + 2*writeTimeout
}

// TickResult summarizes one tick.
type TickResult struct {
	Skipped bool
	Due     int
	Sent    int
	Retried int
	Failed  int
	// Lost counts messages claimed by someone else between FindDue and the claim.
	Lost int
	// Errors counts messages whose claim or outcome write failed.
	Errors int
	// Requeued counts messages put back to PENDING untouched because the tick was cancelled mid-dispatch.
	Requeued int
	Took     time.Duration
}

// Deps are the collaborators a Runner needs. Clock, Log and Registry default
// when zero; Bus and Metrics may be nil.
type Deps struct {
	Store    storage.Store
	Channels channel.Resolver
	Registry *channel.Registry
	Clock    message.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *Metrics
}

// Runner executes delivery ticks: it selects due messages, claims each one
// and records the dispatch outcome under the retry policy.
type Runner struct {
	store    storage.Store
	channels channel.Resolver
	registry *channel.Registry
	clock    message.Clock
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *Metrics

	cfg     atomic.Pointer[Config]
	running atomic.Bool
	holder  string
}

// NewRunner builds a runner. cfg is normalized as by Apply.
func NewRunner(d Deps, cfg Config) *Runner {
	if d.Clock == nil {
		d.Clock = message.SystemClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Registry == nil {
		d.Registry = channel.NewRegistry()
	}
	r := &Runner{
		store:    d.Store,
		channels: d.Channels,
		registry: d.Registry,
		clock:    d.Clock,
		log:      d.Log,
		bus:      d.Bus,
		metrics:  d.Metrics,
		holder:   leaseHolder(),
	}
	r.Apply(cfg)
	return r
}

func normalize(cfg Config) Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Lease.Name == "" {
		cfg.Lease.Name = DefaultLeaseName
	}
	if cfg.Lease.TTL <= 0 {
		cfg.Lease.TTL = DefaultLeaseTTL
	}
	if floor := MinLeaseTTL(cfg.DispatchTimeout); cfg.Lease.TTL < floor {
		cfg.Lease.TTL = floor
	}
	return cfg
}

// Apply swaps the runtime knobs. A tick in progress keeps the config it started with.
func (r *Runner) Apply(cfg Config) {
	cfg = normalize(cfg)
	r.cfg.Store(&cfg)
}

// Config returns the normalized config the next tick will use.
func (r *Runner) Config() Config { return *r.cfg.Load() }

// Running reports whether a tick is executing in this process.
func (r *Runner) Running() bool { return r.running.Load() }

// Tick runs one delivery cycle. When another tick holds the guard it returns
// immediately with Skipped set. Only store failures are returned as errors;
// dispatch failures are absorbed into each message's state.
func (r *Runner) Tick(ctx context.Context) (res TickResult, err error) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("tick skipped: previous tick still running")
		r.metrics.tick(resultSkipped, 0)
		return TickResult{Skipped: true}, nil
	}
	r.metrics.setRunning(true)
	defer func() {
		r.running.Store(false)
		r.metrics.setRunning(false)
	}()

	cfg := r.Config()
	start := time.Now()
	defer func() {
		// Anything escaping the per-message guard aborts the tick, never the process.
		if rec := recover(); rec != nil {
			r.log.Error("tick panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("tick panic: %v", rec)
		}
		res.Took = time.Since(start)
		switch {
		case res.Skipped:
			r.metrics.tick(resultSkipped, res.Took)
		case err != nil:
			r.metrics.tick(resultError, res.Took)
		default:
			r.metrics.tick(resultOK, res.Took)
		}
	}()

	if cfg.Lease.Enabled {
		ok, lerr := r.store.AcquireLease(ctx, cfg.Lease.Name, r.holder, cfg.Lease.TTL)
		if lerr != nil {
			r.log.Error("tick aborted: lease", logx.Err(lerr))
			return res, fmt.Errorf("acquire lease: %w", lerr)
		}
		if !ok {
			r.log.Debug("tick skipped: lease held elsewhere", logx.String("lease", cfg.Lease.Name))
			res.Skipped = true
			return res, nil
		}
		defer r.releaseLease(ctx, cfg.Lease.Name)
	}

	due, err := r.store.FindDue(ctx, r.clock.Now(), cfg.BatchSize)
	if err != nil {
		r.log.Error("tick aborted: find due", logx.Err(err))
		return res, fmt.Errorf("find due: %w", err)
	}
	res.Due = len(due)
	if len(due) == 0 {
		r.log.Debug("no due messages")
		return res, nil
	}

	for i, m := range due {
		if ctx.Err() != nil {
			r.log.Warn("tick interrupted", logx.Err(ctx.Err()), logx.Int("remaining", len(due)-i))
			break
		}
		// The first message runs under the lease just taken; later ones renew it.
		if cfg.Lease.Enabled && i > 0 && !r.renewLease(ctx, cfg) {
			break
		}
		switch r.deliver(ctx, cfg, m) {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeLost:
			res.Lost++
		case outcomeError:
			res.Errors++
		case outcomeRequeued:
			res.Requeued++
		}
	}

	res.Took = time.Since(start)
	r.log.Info("tick finished",
		logx.Int("due", res.Due),
		logx.Int("sent", res.Sent),
		logx.Int("retried", res.Retried),
		logx.Int("failed", res.Failed),
		logx.Int("lost", res.Lost),
		logx.Int("errors", res.Errors),
		logx.Int("requeued", res.Requeued),
		logx.Duration("took", res.Took),
	)
	eventbus.Emit(r.bus, eventbus.TypeDeliveryTick, eventbus.TickEvent{
		Due:      res.Due,
		Sent:     res.Sent,
		Retried:  res.Retried,
		Failed:   res.Failed,
		Skipped:  res.Lost,
		Requeued: res.Requeued,
		Took:     res.Took,
	})
	return res, nil
}

// renewLease extends the tick lease before the next message. It reports false
// when the lease is gone, in which case the tick must stop.
func (r *Runner) renewLease(ctx context.Context, cfg Config) bool {
	ok, err := r.store.AcquireLease(ctx, cfg.Lease.Name, r.holder, cfg.Lease.TTL)
	if err != nil {
		r.log.Warn("tick stopped: lease renewal failed", logx.String("lease", cfg.Lease.Name), logx.Err(err))
		return false
	}
	if !ok {
		r.log.Warn("tick stopped: lease taken by another holder", logx.String("lease", cfg.Lease.Name))
		return false
	}
	return true
}

func (r *Runner) releaseLease(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.store.ReleaseLease(ctx, name, r.holder); err != nil {
		r.log.Warn("lease release failed", logx.String("lease", name), logx.Err(err))
	}
}

func leaseHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "courier"
	}
	return host + "/" + uuid.NewString()
}

var errDispatchTimeout = errors.New("dispatch timed out")
