package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Five or six fields (leading seconds) plus @descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const maxStartupSpread = 30 * time.Second

// parse reads a schedule string. A Go duration ("6h") is a fixed interval and
// comes back as every; anything else must be a cron spec.
func parse(spec string) (sched cron.Schedule, every time.Duration, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, 0, errors.New("schedule required")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, 0, fmt.Errorf("interval %q must be > 0", spec)
		}
		return nil, d, nil
	}
	sched, err = cronParser.Parse(spec)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, 0, nil
}

// Validate reports whether Register would accept spec as a Job schedule.
func Validate(spec string) error {
	_, _, err := parse(spec)
	return err
}

// staggered is a fixed interval whose first run is pushed back by a random
// part of min(every, maxStartupSpread), so a restart does not fire every
// interval job at once. Runs land on whole seconds like the rest of cron.
type staggered struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s *staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

func intervalSchedule(every time.Duration, now time.Time) *staggered {
	spread := min(every, maxStartupSpread)
	return &staggered{every: cron.Every(every), first: now.Add(every + rand.N(spread)).Truncate(time.Second)}
}
