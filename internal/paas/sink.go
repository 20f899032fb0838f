package paas

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signalrelay/internal/models"
)

// DeadLetterSink records dead-lettered jobs in the platform log so operators
// see them outside this service.
type DeadLetterSink struct {
	Client *Client
	Agent  string
	Logger *zap.Logger
}

func (s DeadLetterSink) DeadLettered(ctx context.Context, job models.NotificationJob, reason string) {
	if s.Client == nil {
		return
	}
	agent := s.Agent
	if agent == "" {
		agent = "signalrelay"
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := s.Client.CreateLog(ctx, CreateLogRequest{
		Agent:  agent,
		Action: "notification_dead_lettered",
		Level:  "error",
		Details: map[string]any{
			"job_id":    job.ID,
			"kind":      job.Kind,
			"signal_id": job.SignalID,
			"user_id":   job.UserID,
			"channel":   job.Channel,
			"attempts":  job.Attempts,
			"reason":    reason,
		},
		SessionKey: job.SignalID,
		Metadata:   map[string]any{},
	})
	if err != nil && s.Logger != nil {
		s.Logger.Warn("paas dead-letter log failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
