package message

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

const (
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
)

// TerminalStatuses are the statuses eligible for aged cleanup.
var TerminalStatuses = []Status{StatusSent, StatusCancelled, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s can be removed by the aged cleanup sweep.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// ParseStatus accepts any letter case ("pending", "Sent").
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Payload is the opaque content handed to a dispatcher.
type Payload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTMLBody   *string  `json:"html_body,omitempty"`
}

type ScheduledMessage struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	ChannelID string `json:"channel_id"`

	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTMLBody   *string  `json:"html_body,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	LastError    *string    `json:"last_error,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *ScheduledMessage) Payload() Payload {
	return Payload{
		Recipients: append([]string(nil), m.Recipients...),
		Subject:    m.Subject,
		Body:       m.Body,
		HTMLBody:   m.HTMLBody,
	}
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (m *ScheduledMessage) Clone() *ScheduledMessage {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Recipients = append([]string(nil), m.Recipients...)
	if m.HTMLBody != nil {
		v := *m.HTMLBody
		cp.HTMLBody = &v
	}
	if m.LastError != nil {
		v := *m.LastError
		cp.LastError = &v
	}
	if m.ExecutedAt != nil {
		v := *m.ExecutedAt
		cp.ExecutedAt = &v
	}
	return &cp
}

// ClampMaxRetries applies the default (nil) and the 0..10 bounds.
func ClampMaxRetries(v *int) int {
	if v == nil {
		return DefaultMaxRetries
	}
	n := *v
	if n < 0 {
		return 0
	}
	if n > MaxMaxRetries {
		return MaxMaxRetries
	}
	return n
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status    Status
	ChannelID string
}

// StatusUpdate carries the optional fields written alongside a status change.
// A nil pointer leaves the column untouched; LastError pointing to "" clears it.
type StatusUpdate struct {
	RetryCount *int
	LastError  *string
	ExecutedAt *time.Time
}

// ContentPatch lists the fields an owner may change while PENDING.
type ContentPatch struct {
	ScheduledFor *time.Time
	Subject      *string
	Body         *string
}

func (p ContentPatch) Empty() bool {
	return p.ScheduledFor == nil && p.Subject == nil && p.Body == nil
}

func Ptr[T any](v T) *T { return &v }
