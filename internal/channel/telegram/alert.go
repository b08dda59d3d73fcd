package telegram

import (
	"context"
	"time"
)

// AlertSender forwards log alert lines to one operator chat.
type AlertSender struct {
	d       *Dispatcher
	token   string
	chat    string
	timeout time.Duration
}

func NewAlertSender(d *Dispatcher, token, chat string) *AlertSender {
	return &AlertSender{d: d, token: token, chat: chat, timeout: 10 * time.Second}
}

func (a *AlertSender) SendText(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.d.SendText(ctx, a.token, a.chat, text)
}
