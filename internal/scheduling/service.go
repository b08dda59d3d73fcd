// Package scheduling is the owner-facing API over scheduled messages. It
// validates requests and state transitions; it never dispatches.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/channel"
	"courier/internal/eventbus"
	"courier/internal/message"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// CleanupAge is how long terminal records are kept.
const CleanupAge = 30 * 24 * time.Hour

// ScheduleRequest is the caller's input to Schedule. ScheduledFor must be in the future.
type ScheduleRequest struct {
	ChannelID    string
	Recipients   []string
	Subject      string
	Body         string
	HTMLBody     *string
	ScheduledFor time.Time
	// MaxRetries nil means message.DefaultMaxRetries; values are clamped to 0..10.
	MaxRetries *int
}

// Scheduled is what Schedule returns for a stored message.
type Scheduled struct {
	ID           string
	ScheduledFor time.Time
}

// Service is the owner-scoped API over scheduled messages. Every operation
// checks that the caller owns the message or channel it touches.
type Service struct {
	store    storage.Store
	channels channel.Resolver
	clock    message.Clock
	log      logx.Logger
	bus      eventbus.Bus
}

// New builds a Service. A nil clock means the system clock; bus may be nil.
func New(store storage.Store, channels channel.Resolver, clock message.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clock == nil {
		clock = message.SystemClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, channels: channels, clock: clock, log: log, bus: bus}
}

// Schedule stores a PENDING message on a channel the owner holds.
func (s *Service) Schedule(ctx context.Context, ownerID string, req ScheduleRequest) (Scheduled, error) {
	if err := s.verifyChannel(ctx, ownerID, req.ChannelID); err != nil {
		return Scheduled{}, err
	}
	if !req.ScheduledFor.After(s.clock.Now()) {
		return Scheduled{}, fmt.Errorf("%w: scheduled_for must be in the future", message.ErrInvalidArgument)
	}

	rec, err := s.store.Create(ctx, &message.ScheduledMessage{
		OwnerID:      ownerID,
		ChannelID:    req.ChannelID,
		Recipients:   req.Recipients,
		Subject:      req.Subject,
		Body:         req.Body,
		HTMLBody:     req.HTMLBody,
		ScheduledFor: req.ScheduledFor,
		MaxRetries:   message.ClampMaxRetries(req.MaxRetries),
	})
	if err != nil {
		return Scheduled{}, err
	}

	s.log.Info("message scheduled",
		logx.String("id", rec.ID),
		logx.String("owner", ownerID),
		logx.String("channel", rec.ChannelID),
		logx.Time("scheduled_for", rec.ScheduledFor),
	)
	s.emit(eventbus.TypeMessageScheduled, rec)
	return Scheduled{ID: rec.ID, ScheduledFor: rec.ScheduledFor}, nil
}

// List returns the owner's messages ordered by scheduled_for. A channel
// filter is checked for ownership first.
func (s *Service) List(ctx context.Context, ownerID string, filter message.ListFilter) ([]*message.ScheduledMessage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", message.ErrInvalidArgument, filter.Status)
	}
	if filter.ChannelID != "" {
		if err := s.verifyChannel(ctx, ownerID, filter.ChannelID); err != nil {
			return nil, err
		}
	}
	return s.store.List(ctx, ownerID, filter)
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error) {
	return s.store.FindByID(ctx, id, ownerID)
}

// Update edits content while PENDING. A new scheduled_for is not checked
// against the current time; a past value makes the message due on the next tick.
func (s *Service) Update(ctx context.Context, ownerID, id string, patch message.ContentPatch) (*message.ScheduledMessage, error) {
	cur, err := s.store.FindByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if cur.Status != message.StatusPending {
		return nil, invalidState("update", cur.Status)
	}
	if patch.Empty() {
		return cur, nil
	}

	rec, err := s.store.UpdateContent(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.emit(eventbus.TypeMessageUpdated, rec)
	return rec, nil
}

func (s *Service) Cancel(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error) {
	rec, err := s.transition(ctx, ownerID, id, "cancel", message.StatusPending, message.StatusCancelled, message.StatusUpdate{})
	if err != nil {
		return nil, err
	}
	s.log.Info("message cancelled", logx.String("id", id), logx.String("owner", ownerID))
	s.emit(eventbus.TypeMessageCancelled, rec)
	return rec, nil
}

// Retry puts a FAILED message back in the due pool on its original
// scheduled_for, with the retry budget and last error reset.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (*message.ScheduledMessage, error) {
	rec, err := s.transition(ctx, ownerID, id, "retry", message.StatusFailed, message.StatusPending, message.StatusUpdate{
		RetryCount: message.Ptr(0),
		LastError:  message.Ptr(""),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("message requeued", logx.String("id", id), logx.String("owner", ownerID))
	s.emit(eventbus.TypeMessageRequeued, rec)
	return rec, nil
}

// Cleanup deletes terminal records created more than CleanupAge ago.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	before := s.clock.Now().Add(-CleanupAge)
	n, err := s.store.DeleteAged(ctx, message.TerminalStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	s.log.Info("cleanup finished", logx.Int64("deleted", n), logx.Time("before", before))
	eventbus.Emit(s.bus, eventbus.TypeDeliveryCleanup, eventbus.CleanupEvent{Deleted: n, Before: before})
	return n, nil
}

func (s *Service) transition(ctx context.Context, ownerID, id, op string, from, to message.Status, upd message.StatusUpdate) (*message.ScheduledMessage, error) {
	cur, err := s.store.FindByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, invalidState(op, cur.Status)
	}
	ok, err := s.store.TransitionStatus(ctx, id, from, to, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with the delivery runner.
		latest, err := s.store.FindByID(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		return nil, invalidState(op, latest.Status)
	}
	return s.store.FindByID(ctx, id, ownerID)
}

// verifyChannel maps both "missing" and "owned by someone else" to ErrForbidden.
func (s *Service) verifyChannel(ctx context.Context, ownerID, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("%w: channel_id is required", message.ErrInvalidArgument)
	}
	if s.channels == nil {
		return fmt.Errorf("channel %q: %w", channelID, message.ErrForbidden)
	}
	_, err := s.channels.Resolve(ctx, ownerID, channelID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, message.ErrNotFound), errors.Is(err, message.ErrForbidden):
		return fmt.Errorf("channel %q: %w", channelID, message.ErrForbidden)
	default:
		return fmt.Errorf("resolve channel: %w", err)
	}
}

func (s *Service) emit(typ string, m *message.ScheduledMessage) {
	data := eventbus.MessageEvent{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		ChannelID:  m.ChannelID,
		Status:     string(m.Status),
		RetryCount: m.RetryCount,
	}
	eventbus.Emit(s.bus, typ, data)
}

func invalidState(op string, st message.Status) error {
	return fmt.Errorf("%w: cannot %s a %s message", message.ErrInvalidState, op, st)
}
