package channel

import (
	"context"
	"sort"
	"strings"

	"courier/internal/message"
)

type Kind string

const (
	KindEmail    Kind = "email"
	KindTelegram Kind = "telegram"
	KindWebhook  Kind = "webhook"
)

// ParseKind normalizes case and surrounding space.
func ParseKind(raw string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(raw)))
}

// Credentials are opaque to the delivery core; each dispatcher documents its keys.
type Credentials map[string]string

// Get returns the trimmed value for key ("" when absent).
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c[key])
}

// Keys lists credential names without values, for logs.
func (c Credentials) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Channel struct {
	ID          string
	OwnerID     string
	Kind        Kind
	Name        string
	Credentials Credentials
}

// Resolver finds a channel for its owner.
//
// Resolve returns message.ErrNotFound when the channel does not exist and
// message.ErrForbidden when it exists under another owner.
type Resolver interface {
	Resolve(ctx context.Context, ownerID, channelID string) (Channel, error)
}

// Dispatcher performs one outbound send. Errors wrapped with Permanent are
// not retried by the delivery runner.
type Dispatcher interface {
	Send(ctx context.Context, creds Credentials, p message.Payload) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, creds Credentials, p message.Payload) error

func (f DispatcherFunc) Send(ctx context.Context, creds Credentials, p message.Payload) error {
	return f(ctx, creds, p)
}
