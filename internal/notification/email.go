package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

// MailTransport hands a composed RFC 5322 message to a relay.
type MailTransport interface {
	SendMail(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPTransport relays through a submission server with optional PLAIN auth.
// STARTTLS is required unless Plaintext is set.
type SMTPTransport struct {
	Addr      string
	Username  string
	Password  string
	Plaintext bool
	// Timeout bounds each SMTP command and the DATA submission. A context
	// deadline that comes sooner wins.
	Timeout time.Duration
}

const defaultSMTPTimeout = 30 * time.Second

func (t SMTPTransport) SendMail(ctx context.Context, from string, to []string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return err
	}
	// Cancellation closes the connection, so the in-flight command fails and
	// the call returns with the outcome the server actually gave.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var c *smtp.Client
	if t.Plaintext {
		c = smtp.NewClient(conn)
	} else {
		host, _, _ := net.SplitHostPort(t.Addr)
		c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: host})
		if err != nil {
			_ = conn.Close()
			return err
		}
	}
	defer c.Close()
	timeout := t.timeout(ctx)
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	if t.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.Username, t.Password)); err != nil {
			return err
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return err
	}
	// The message is accepted once DATA completes; a failed QUIT does not undo it.
	_ = c.Quit()
	return nil
}

func (t SMTPTransport) timeout(ctx context.Context) time.Duration {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < timeout {
			timeout = left
		}
	}
	return timeout
}

type EmailProvider struct {
	From      string
	Transport MailTransport
	Now       func() time.Time
}

func NewEmailProvider(cfg config.SMTPConfig) *EmailProvider {
	return &EmailProvider{
		From: cfg.From,
		Transport: SMTPTransport{
			Addr:      cfg.Addr,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Plaintext: cfg.Plaintext,
			Timeout:   cfg.Timeout,
		},
	}
}

func (p *EmailProvider) Channel() string { return models.ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, msg Message) Outcome {
	if p == nil || p.Transport == nil {
		return Failed(ErrNotConfigured)
	}
	to, err := mail.ParseAddress(strings.TrimSpace(msg.Address))
	if err != nil {
		return PermanentFailure(fmt.Errorf("invalid email address: %w", err))
	}
	from, err := mail.ParseAddress(p.From)
	if err != nil {
		return Failed(fmt.Errorf("invalid sender address: %w", err))
	}
	raw, err := p.compose(from, to, msg)
	if err != nil {
		return Failed(err)
	}
	if err := p.Transport.SendMail(ctx, from.Address, []string{to.Address}, raw); err != nil {
		var serr *smtp.SMTPError
		if errors.As(err, &serr) && serr.Code >= 500 && serr.Code < 600 {
			return PermanentFailure(err)
		}
		return Failed(err)
	}
	return Delivered()
}

func (p *EmailProvider) compose(from, to *mail.Address, msg Message) ([]byte, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	var h gomail.Header
	h.SetDate(now())
	h.SetAddressList("From", []*gomail.Address{{Name: from.Name, Address: from.Address}})
	h.SetAddressList("To", []*gomail.Address{{Name: to.Name, Address: to.Address}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.JobID != "" {
		h.Set("X-Notification-Job", msg.JobID)
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
