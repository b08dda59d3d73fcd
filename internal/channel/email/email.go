// Package email delivers scheduled messages over SMTP.
//
// Credentials: host, port (default 587), username, password, from
// (defaults to username).
package email

import (
	"context"
	"errors"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"gopkg.in/mail.v2"

	"courier/internal/channel"
	"courier/internal/message"
	logx "courier/pkg/logx"
)

const defaultPort = 587

type sender interface {
	DialAndSend(m ...*mail.Message) error
}

type Dispatcher struct {
	log  logx.Logger
	dial func(host string, port int, username, password string, timeout time.Duration) sender
}

func New(log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log: log,
		dial: func(host string, port int, username, password string, timeout time.Duration) sender {
			d := mail.NewDialer(host, port, username, password)
			if timeout > 0 {
				d.Timeout = timeout
			}
			return d
		},
	}
}

func (d *Dispatcher) Send(ctx context.Context, creds channel.Credentials, p message.Payload) error {
	host := creds.Get("host")
	if host == "" {
		return channel.MissingCredential("host")
	}
	port := defaultPort
	if raw := creds.Get("port"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return channel.Permanent(errors.New("email: invalid port " + strconv.Quote(raw)))
		}
		port = n
	}

	m, err := buildMessage(creds, p)
	if err != nil {
		return err
	}

	// mail.v2 has no context support; the deadline becomes the dial/IO timeout.
	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	start := time.Now()
	err = d.dial(host, port, creds.Get("username"), creds.Get("password"), timeout).DialAndSend(m)
	if err != nil {
		if isPermanentSMTP(err) {
			return channel.Permanent(err)
		}
		return err
	}
	d.log.Debug("email sent",
		logx.String("host", host),
		logx.Int("recipients", len(p.Recipients)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// buildMessage puts every recipient in To and adds the HTML body as an alternative part.
func buildMessage(creds channel.Credentials, p message.Payload) (*mail.Message, error) {
	from := creds.Get("from")
	if from == "" {
		from = creds.Get("username")
	}
	if from == "" {
		return nil, channel.MissingCredential("from")
	}

	to := make([]string, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	if len(to) == 0 {
		return nil, channel.Permanent(errors.New("email: no recipients"))
	}

	m := mail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", p.Subject)
	m.SetBody("text/plain", p.Body)
	if p.HTMLBody != nil && strings.TrimSpace(*p.HTMLBody) != "" {
		m.AddAlternative("text/html", *p.HTMLBody)
	}
	return m, nil
}

// isPermanentSMTP treats 5xx replies (bad mailbox, auth rejected) as permanent.
func isPermanentSMTP(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
