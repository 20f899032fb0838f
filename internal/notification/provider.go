// Package notification holds the channel providers dispatch delivers through.
// Every provider reports a uniform Outcome so workers treat channels alike.
package notification

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("channel provider not configured")

// Message is a rendered notification addressed to one recipient.
type Message struct {
	JobID   string
	Channel string
	Address string
	Subject string
	Body    string
	// Short is a one-line form for sms, push and chat.
	Short string
	Data  map[string]string
}

// Outcome is the result of one send. Permanent failures are not worth
// retrying (unknown recipient, rejected address).
type Outcome struct {
	Delivered bool
	Reason    string
	Err       error
	Permanent bool
}

func Delivered() Outcome {
	return Outcome{Delivered: true}
}

func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("send failed")
	}
	return Outcome{Reason: err.Error(), Err: err}
}

func PermanentFailure(err error) Outcome {
	out := Failed(err)
	out.Permanent = true
	return out
}

type Provider interface {
	Channel() string
	Send(ctx context.Context, msg Message) Outcome
}

// Unconfigured stands in for a channel with no provider; every send fails.
type Unconfigured struct {
	Name string
}

func (u Unconfigured) Channel() string { return u.Name }

func (u Unconfigured) Send(context.Context, Message) Outcome {
	return Failed(ErrNotConfigured)
}
