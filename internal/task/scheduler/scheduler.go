package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/task/engine"
	logx "courier/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// Config controls trigger registration.
type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means the process local zone
}

// Enqueuer is the part of the task engine the scheduler feeds.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job is one recurring trigger. Set Every for a fixed interval, or Schedule
// for a cron spec or Go duration.
type Job struct {
	Name     string
	Schedule string
	Every    time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error

	// Exclusive skips a trigger while the previous run is queued or executing.
	Exclusive bool
}

type entry struct {
	job   Job
	sched cron.Schedule // nil for a fixed interval
	guard *engine.Guard
	id    cron.EntryID
}

func (e *entry) spec() string {
	if e.sched == nil {
		return "every " + e.job.Every.String()
	}
	return strings.TrimSpace(e.job.Schedule)
}

type Service struct {
	log    logx.Logger
	engine Enqueuer

	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron // nil while stopped
	loc  *time.Location
	jobs map[string]*entry

	warnMu sync.Mutex
	warned map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		engine: eng,
		cfg:    cfg,
		jobs:   map[string]*entry{},
		warned: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Jobs returns the registered job names, sorted.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register adds j, replacing any job with the same name so a reload never
// duplicates triggers. A replaced exclusive job keeps its guard, so a run
// still in flight blocks the new definition too.
func (s *Service) Register(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", j.Name)
	}
	e := &entry{job: j}
	if j.Every <= 0 {
		sched, every, err := parse(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		e.sched, e.job.Every = sched, every
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Exclusive {
		e.guard = &engine.Guard{}
		if old := s.jobs[j.Name]; old != nil && old.guard != nil {
			e.guard = old.guard
		}
	}
	s.removeLocked(j.Name)
	s.jobs[j.Name] = e
	if s.cron != nil {
		s.scheduleLocked(e, time.Now().In(s.loc))
	}
	s.log.Debug("job registered", logx.String("job", j.Name), logx.String("spec", e.spec()), logx.Duration("timeout", j.Timeout))
	return nil
}

// Remove drops the named job. It reports whether one was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(strings.TrimSpace(name)) {
		return false
	}
	s.log.Debug("job removed", logx.String("job", name))
	return true
}

func (s *Service) removeLocked(name string) bool {
	e := s.jobs[name]
	if e == nil {
		return false
	}
	if s.cron != nil {
		s.cron.Remove(e.id)
	}
	delete(s.jobs, name)
	return true
}

// Apply swaps the config. A timezone change while running re-registers every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.cron == nil || !tzChanged {
		return
	}
	<-s.cron.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted for timezone change", logx.String("tz", s.loc.String()))
}

// Start begins firing triggers. It is a no-op when disabled or already running.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits, until ctx ends, for in-progress triggers.
// Jobs stay registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithParser(cronParser))
	now := time.Now().In(s.loc)
	for _, e := range s.jobs {
		s.scheduleLocked(e, now)
	}
	s.cron.Start()
}

func (s *Service) scheduleLocked(e *entry, now time.Time) {
	sched := e.sched
	if sched == nil {
		sched = intervalSchedule(e.job.Every, now)
	}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(e *entry) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{Name: e.job.Name, Timeout: e.job.Timeout, Run: e.job.Run, Guard: e.guard})
	if err == nil {
		return
	}
	// A slow delivery tick makes busy skips routine.
	if errors.Is(err, engine.ErrBusy) {
		s.log.Debug("trigger skipped", logx.String("job", e.job.Name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	quiet := now.Sub(s.warned[e.job.Name]) < enqueueWarnEvery
	if !quiet {
		s.warned[e.job.Name] = now
	}
	s.warnMu.Unlock()
	if !quiet {
		s.log.Warn("trigger not enqueued", logx.String("job", e.job.Name), logx.Err(err))
	}
}
