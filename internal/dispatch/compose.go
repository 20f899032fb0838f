package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"signalrelay/internal/models"
	"signalrelay/internal/notification"
)

// SignalSource reads signals back from the ledger.
type SignalSource interface {
	Get(ctx context.Context, id string) (*models.Signal, error)
	GetMany(ctx context.Context, ids []string) ([]models.Signal, error)
}

// Composer renders the message a job should deliver.
type Composer struct {
	Signals  SignalSource
	Renderer notification.Renderer
}

func (c Composer) Compose(ctx context.Context, job models.NotificationJob) (notification.Message, error) {
	if job.Kind == models.JobKindDigest {
		var payload models.DigestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return notification.Message{}, fmt.Errorf("decode digest payload: %w", err)
		}
		signals, err := c.Signals.GetMany(ctx, payload.SignalIDs)
		if err != nil {
			return notification.Message{}, fmt.Errorf("load digest signals: %w", err)
		}
		return c.Renderer.Digest(job, payload.Frequency, signals), nil
	}
	sig, err := c.Signals.Get(ctx, job.SignalID)
	if err != nil {
		return notification.Message{}, fmt.Errorf("load signal %s: %w", job.SignalID, err)
	}
	if sig == nil {
		return notification.Message{}, fmt.Errorf("signal %s not found", job.SignalID)
	}
	return c.Renderer.Signal(job, *sig), nil
}
