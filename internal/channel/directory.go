package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"courier/internal/message"
)

// Directory is a Resolver over a fixed channel set. Replace swaps the whole
// set atomically, so readers never see a half-applied reload.
type Directory struct {
	byID atomic.Pointer[map[string]Channel]
}

func NewDirectory(chs []Channel) *Directory {
	d := &Directory{}
	d.Replace(chs)
	return d
}

// Replace installs chs. On duplicate ids the last entry wins.
func (d *Directory) Replace(chs []Channel) {
	m := make(map[string]Channel, len(chs))
	for _, ch := range chs {
		ch.Kind = ParseKind(string(ch.Kind))
		creds := make(Credentials, len(ch.Credentials))
		for k, v := range ch.Credentials {
			creds[k] = v
		}
		ch.Credentials = creds
		m[ch.ID] = ch
	}
	d.byID.Store(&m)
}

func (d *Directory) Resolve(ctx context.Context, ownerID, channelID string) (Channel, error) {
	p := d.byID.Load()
	if p == nil {
		return Channel{}, fmt.Errorf("channel %q: %w", channelID, message.ErrNotFound)
	}
	ch, ok := (*p)[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("channel %q: %w", channelID, message.ErrNotFound)
	}
	if ch.OwnerID != ownerID {
		return Channel{}, fmt.Errorf("channel %q: %w", channelID, message.ErrForbidden)
	}
	return ch, nil
}

func (d *Directory) Len() int {
	p := d.byID.Load()
	if p == nil {
		return 0
	}
	return len(*p)
}
