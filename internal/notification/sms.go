package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

// SMSProvider posts messages to an HTTP SMS gateway.
type SMSProvider struct {
	Endpoint string
	APIKey   string
	Sender   string
	HTTP     *http.Client
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
	Ref     string `json:"reference,omitempty"`
}

func NewSMSProvider(cfg config.SMSConfig) *SMSProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SMSProvider{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Sender:   cfg.Sender,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

func (p *SMSProvider) Channel() string { return models.ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, msg Message) Outcome {
	if p == nil || strings.TrimSpace(p.Endpoint) == "" {
		return Failed(ErrNotConfigured)
	}
	to := strings.TrimSpace(msg.Address)
	if to == "" {
		return PermanentFailure(fmt.Errorf("sms recipient missing"))
	}
	text := msg.Short
	if text == "" {
		text = msg.Subject
	}
	b, err := json.Marshal(smsRequest{To: to, From: p.Sender, Message: text, Ref: msg.JobID})
	if err != nil {
		return Failed(err)
	}
	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return Failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Failed(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Delivered()
	}
	herr := &httpError{Service: "sms gateway", StatusCode: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
		return PermanentFailure(herr)
	}
	return Failed(herr)
}

type httpError struct {
	Service    string
	StatusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s http status %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
}
