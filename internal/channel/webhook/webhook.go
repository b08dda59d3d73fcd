// Package webhook delivers scheduled messages as HTTP POSTs to chat-style
// incoming webhooks.
//
// Credentials: url, secret (optional, sent as a bearer token), format
// (json | discord | slack; default json).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/channel"
	"courier/internal/message"
	logx "courier/pkg/logx"
)

const (
	FormatJSON    = "json"
	FormatDiscord = "discord"
	FormatSlack   = "slack"
)

// discord rejects content over 2000 characters.
const discordLimit = 2000

type Config struct {
	// RatePerSec caps requests per destination host.
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	UserAgent  string
}

type Dispatcher struct {
	cfg    Config
	log    logx.Logger
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "courier-webhook/1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: map[string]*rate.Limiter{},
	}
}

type jsonBody struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTMLBody   *string  `json:"html_body,omitempty"`
}

type discordBody struct {
	Content string `json:"content"`
}

type slackBody struct {
	Text string `json:"text"`
}

func (d *Dispatcher) Send(ctx context.Context, creds channel.Credentials, p message.Payload) error {
	raw := creds.Get("url")
	if raw == "" {
		return channel.MissingCredential("url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return channel.Permanent(errors.New("webhook: invalid url"))
	}

	body, err := encode(strings.ToLower(creds.Get("format")), p)
	if err != nil {
		return channel.Permanent(err)
	}

	if err := d.limiter(u.Host).Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	if secret := creds.Get("secret"); secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		// url.Error carries the full URL, which may embed a token.
		return fmt.Errorf("webhook %s: %w", u.Host, unwrapURLError(err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.log.Debug("webhook sent",
			logx.String("host", u.Host),
			logx.Int("status", resp.StatusCode),
			logx.Duration("took", time.Since(start)),
		)
		return nil
	}

	err = fmt.Errorf("webhook %s: %s: %s", u.Host, resp.Status, strings.TrimSpace(string(snippet)))
	if permanentStatus(resp.StatusCode) {
		return channel.Permanent(err)
	}
	return err
}

func (d *Dispatcher) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.Burst)
		d.limiters[host] = l
	}
	return l
}

func encode(format string, p message.Payload) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		recipients := p.Recipients
		if recipients == nil {
			recipients = []string{}
		}
		return json.Marshal(jsonBody{Recipients: recipients, Subject: p.Subject, Body: p.Body, HTMLBody: p.HTMLBody})
	case FormatDiscord:
		text := plainText(p, "**")
		if r := []rune(text); len(r) > discordLimit {
			text = string(r[:discordLimit])
		}
		return json.Marshal(discordBody{Content: text})
	case FormatSlack:
		return json.Marshal(slackBody{Text: plainText(p, "*")})
	default:
		return nil, fmt.Errorf("webhook: unknown format %q", format)
	}
}

func plainText(p message.Payload, bold string) string {
	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		return p.Body
	}
	return bold + subject + bold + "\n" + p.Body
}

// permanentStatus: client errors other than timeout and rate limiting will
// not succeed on a later attempt.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}
