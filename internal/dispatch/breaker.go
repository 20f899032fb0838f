package dispatch

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerStatus is an operator view of one channel breaker.
type BreakerStatus struct {
	Channel             string `json:"channel"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	Requests            uint32 `json:"requests"`
}

func newBreaker(channel string, failures int, cooldown time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	breakerOpen.WithLabelValues(channel).Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        channel,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			var perr permanentError
			return err == nil || errors.As(err, &perr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				breakerOpen.WithLabelValues(name).Set(0)
			} else {
				breakerOpen.WithLabelValues(name).Set(1)
			}
			if logger != nil {
				logger.Warn("channel breaker state change",
					zap.String("channel", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		},
	})
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
