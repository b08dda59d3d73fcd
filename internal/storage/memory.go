package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/message"
)

type memLease struct {
	holder    string
	expiresAt time.Time
}

// Memory is a mutex-guarded in-process store. Records are cloned on the way
// in and out so callers never share state with the store.
type Memory struct {
	clock message.Clock

	mu     sync.Mutex
	byID   map[string]*message.ScheduledMessage
	leases map[string]memLease
}

func NewMemory(clock message.Clock) *Memory {
	if clock == nil {
		clock = message.SystemClock()
	}
	return &Memory{
		clock:  clock,
		byID:   map[string]*message.ScheduledMessage{},
		leases: map[string]memLease{},
	}
}

func (s *Memory) Create(ctx context.Context, m *message.ScheduledMessage) (*message.ScheduledMessage, error) {
	now := s.clock.Now()
	rec, err := prepareCreate(m, now, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[rec.ID]; dup {
		return nil, errDuplicateID(rec.ID)
	}
	s.byID[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *Memory) FindByID(ctx context.Context, id, ownerID string) (*message.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.OwnerID != ownerID {
		return nil, message.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) List(ctx context.Context, ownerID string, f message.ListFilter) ([]*message.ScheduledMessage, error) {
	s.mu.Lock()
	out := make([]*message.ScheduledMessage, 0)
	for _, m := range s.byID {
		if m.OwnerID != ownerID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.ChannelID != "" && m.ChannelID != f.ChannelID {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.Unlock()
	sortBySchedule(out)
	return out, nil
}

func (s *Memory) FindDue(ctx context.Context, now time.Time, limit int) ([]*message.ScheduledMessage, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	s.mu.Lock()
	due := make([]*message.ScheduledMessage, 0)
	for _, m := range s.byID {
		if m.Status == message.StatusPending && !m.ScheduledFor.After(now) {
			due = append(due, m.Clone())
		}
	}
	s.mu.Unlock()
	sortBySchedule(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Memory) UpdateStatus(ctx context.Context, id string, status message.Status, upd message.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return message.ErrNotFound
	}
	applyStatus(m, status, upd, s.clock.Now())
	return nil
}

func (s *Memory) TransitionStatus(ctx context.Context, id string, from, to message.Status, upd message.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Status != from {
		return false, nil
	}
	applyStatus(m, to, upd, s.clock.Now())
	return true, nil
}

func (s *Memory) UpdateContent(ctx context.Context, id string, patch message.ContentPatch) (*message.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	if m.Status != message.StatusPending {
		return nil, message.ErrInvalidState
	}
	if patch.ScheduledFor != nil {
		m.ScheduledFor = patch.ScheduledFor.UTC()
	}
	if patch.Subject != nil {
		m.Subject = *patch.Subject
	}
	if patch.Body != nil {
		m.Body = *patch.Body
	}
	m.UpdatedAt = s.clock.Now()
	return m.Clone(), nil
}

func (s *Memory) DeleteAged(ctx context.Context, statuses []message.Status, olderThan time.Time) (int64, error) {
	allowed := map[message.Status]bool{}
	for _, st := range terminalOnly(statuses) {
		allowed[message.Status(st)] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.byID {
		if allowed[m.Status] && m.CreatedAt.Before(olderThan) {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.leases[name]
	if held && cur.holder != holder && cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Memory) ReleaseLease(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

func (s *Memory) Close() error { return nil }

// prepareCreate validates m and returns the record to persist. scheduledFor is
// cut to the driver's time resolution first, so the future check holds for the
// value actually stored.
func prepareCreate(m *message.ScheduledMessage, now time.Time, resolution time.Duration) (*message.ScheduledMessage, error) {
	if m == nil {
		return nil, invalidArg("message is nil")
	}
	at := m.ScheduledFor.Truncate(resolution)
	if !at.After(now.Truncate(resolution)) {
		return nil, invalidArg("scheduled_for must be in the future")
	}
	rec := m.Clone()
	rec.ScheduledFor = at
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Recipients == nil {
		rec.Recipients = []string{}
	}
	rec.ScheduledFor = rec.ScheduledFor.UTC()
	rec.Status = message.StatusPending
	rec.RetryCount = 0
	rec.LastError = nil
	rec.ExecutedAt = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

func applyStatus(m *message.ScheduledMessage, status message.Status, upd message.StatusUpdate, now time.Time) {
	m.Status = status
	if upd.RetryCount != nil {
		m.RetryCount = *upd.RetryCount
	}
	if upd.LastError != nil {
		if *upd.LastError == "" {
			m.LastError = nil
		} else {
			m.LastError = message.Ptr(*upd.LastError)
		}
	}
	if upd.ExecutedAt != nil {
		m.ExecutedAt = message.Ptr(upd.ExecutedAt.UTC())
	}
	m.UpdatedAt = now
}

func sortBySchedule(ms []*message.ScheduledMessage) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].ScheduledFor.Equal(ms[j].ScheduledFor) {
			return ms[i].ScheduledFor.Before(ms[j].ScheduledFor)
		}
		return ms[i].ID < ms[j].ID
	})
}
