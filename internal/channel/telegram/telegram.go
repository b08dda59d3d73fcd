// Package telegram delivers scheduled messages through a Telegram bot.
//
// Credentials: token, parse_mode (optional: HTML, Markdown, MarkdownV2).
// Recipients are chat ids ("-100123") or chat:thread pairs ("-100123:42").
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"courier/internal/channel"
	"courier/internal/message"
	logx "courier/pkg/logx"
)

const textLimit = 4000

type botAPI interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type botEntry struct {
	bot botAPI
	lim *rate.Limiter
}

type Config struct {
	// RatePerSec caps sends per bot token. Telegram allows roughly 30/s per bot.
	RatePerSec int
	Timeout    time.Duration
}

// Dispatcher caches one bot client and limiter per token.
type Dispatcher struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bots   map[string]*botEntry
	newBot func(token string) (botAPI, error)
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, log: log, bots: map[string]*botEntry{}}
	d.newBot = func(token string) (botAPI, error) {
		// Offline skips the getMe round trip; the token is checked on first send.
		return tele.NewBot(tele.Settings{
			Token:   token,
			Offline: true,
			Client:  newHTTPClient(cfg.Timeout),
		})
	}
	return d
}

func (d *Dispatcher) Send(ctx context.Context, creds channel.Credentials, p message.Payload) error {
	token := creds.Get("token")
	if token == "" {
		return channel.MissingCredential("token")
	}
	targets, err := parseRecipients(p.Recipients)
	if err != nil {
		return channel.Permanent(err)
	}

	entry, err := d.entry(token)
	if err != nil {
		return channel.Permanent(err)
	}

	parseMode := tele.ParseMode(creds.Get("parse_mode"))
	chunks := splitText(composeText(p, parseMode), textLimit, string(parseMode))

	for _, tg := range targets {
		for _, chunk := range chunks {
			if err := entry.lim.Wait(ctx); err != nil {
				return err
			}
			opt := &tele.SendOptions{ParseMode: parseMode, ThreadID: tg.threadID}
			if _, err := entry.bot.Send(tele.ChatID(tg.chatID), chunk, opt); err != nil {
				return classify(fmt.Errorf("telegram chat %d: %w", tg.chatID, err))
			}
		}
	}
	d.log.Debug("telegram sent", logx.Int("chats", len(targets)), logx.Int("chunks", len(chunks)))
	return nil
}

// SendText sends plain text to one chat. It backs the log alert sink.
func (d *Dispatcher) SendText(ctx context.Context, token, chat, text string) error {
	return d.Send(ctx, channel.Credentials{"token": token}, message.Payload{
		Recipients: []string{chat},
		Body:       text,
	})
}

func (d *Dispatcher) entry(token string) (*botEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.bots[token]; ok {
		return e, nil
	}
	b, err := d.newBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	e := &botEntry{bot: b, lim: rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec)}
	d.bots[token] = e
	return e, nil
}

type target struct {
	chatID   int64
	threadID int
}

func parseRecipients(rs []string) ([]target, error) {
	out := make([]target, 0, len(rs))
	for _, r := range rs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		chatRaw, threadRaw, hasThread := strings.Cut(r, ":")
		chatID, err := strconv.ParseInt(chatRaw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid chat id %q", r)
		}
		tg := target{chatID: chatID}
		if hasThread {
			n, err := strconv.Atoi(threadRaw)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("telegram: invalid thread id %q", r)
			}
			tg.threadID = n
		}
		out = append(out, tg)
	}
	if len(out) == 0 {
		return nil, errors.New("telegram: no recipients")
	}
	return out, nil
}

// composeText prepends the subject as a first line (bold in HTML mode).
func composeText(p message.Payload, mode tele.ParseMode) string {
	body := p.Body
	if mode == tele.ModeHTML && p.HTMLBody != nil && strings.TrimSpace(*p.HTMLBody) != "" {
		body = *p.HTMLBody
	}
	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		return body
	}
	if mode == tele.ModeHTML {
		return "<b>" + html.EscapeString(subject) + "</b>\n" + body
	}
	return subject + "\n\n" + body
}

// classify marks Bad Request / Forbidden replies (unknown chat, bot blocked,
// bad token) as permanent. Flood waits and network errors stay retryable.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 400, 401, 403, 404:
			return channel.Permanent(err)
		}
	}
	return err
}
