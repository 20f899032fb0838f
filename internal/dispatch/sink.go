package dispatch

import (
	"context"

	"go.uber.org/zap"

	"signalrelay/internal/models"
)

// DeadLetterSink surfaces jobs that will never be retried automatically.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, job models.NotificationJob, reason string)
}

type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) DeadLettered(_ context.Context, job models.NotificationJob, reason string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error("notification dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("signal_id", job.SignalID),
		zap.String("user_id", job.UserID),
		zap.String("channel", job.Channel),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", reason),
	)
}

// Sinks fans a dead letter out to several sinks.
type Sinks []DeadLetterSink

func (s Sinks) DeadLettered(ctx context.Context, job models.NotificationJob, reason string) {
	for _, sink := range s {
		if sink != nil {
			sink.DeadLettered(ctx, job, reason)
		}
	}
}
