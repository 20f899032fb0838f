package dispatch

import "errors"

var (
	// ErrProviderFailure is a transient send failure; the job is retried.
	ErrProviderFailure = errors.New("channel provider failure")
	// ErrChannelExhausted marks a job that ran out of attempts.
	ErrChannelExhausted = errors.New("channel attempts exhausted")
	// ErrCircuitOpen means the channel breaker short-circuited the send.
	ErrCircuitOpen = errors.New("channel circuit open")
)

// permanentError carries a failure the breaker should not count against the
// channel and the pool should not retry.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }
