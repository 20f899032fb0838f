package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
	ChannelChat  = "chat"
)

// AllChannels lists delivery channels in dispatch order.
var AllChannels = []string{ChannelEmail, ChannelSMS, ChannelPush, ChannelChat}

// IsInterrupting reports whether a channel buzzes the recipient and so honors quiet hours.
func IsInterrupting(channel string) bool {
	switch channel {
	case ChannelSMS, ChannelPush, ChannelChat:
		return true
	default:
		return false
	}
}

const (
	JobStatePending         = "pending"
	JobStateSending         = "sending"
	JobStateDelivered       = "delivered"
	JobStateFailed          = "failed"
	JobStateDeadLettered    = "dead_lettered"
	JobStateQueuedForDigest = "queued_for_digest"
	JobStateCancelled       = "cancelled"

	JobKindSignal = "signal"
	JobKindDigest = "digest"
)

// IsTerminalJobState reports states a job never leaves.
func IsTerminalJobState(state string) bool {
	switch state {
	case JobStateDelivered, JobStateDeadLettered, JobStateCancelled:
		return true
	default:
		return false
	}
}

// NotificationJob is one (signal, user, channel) delivery. Digest jobs carry a
// synthetic SignalID and the ordered signal ids in Payload.
type NotificationJob struct {
	ID       string `gorm:"type:varchar(36);primaryKey" json:"id"`
	Kind     string `gorm:"type:varchar(10);not null;default:'signal'" json:"kind"`
	SignalID string `gorm:"type:varchar(128);not null;uniqueIndex:uniq_job_signal_user_channel,priority:1" json:"signalId"`
	UserID   string `gorm:"type:varchar(64);not null;uniqueIndex:uniq_job_signal_user_channel,priority:2;index" json:"userId"`
	Channel  string `gorm:"type:varchar(10);not null;uniqueIndex:uniq_job_signal_user_channel,priority:3;index:idx_jobs_due,priority:1" json:"channel"`
	Address  string `gorm:"type:varchar(255)" json:"-"`

	State         string     `gorm:"type:varchar(20);not null;index:idx_jobs_due,priority:2" json:"state"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:3" json:"maxAttempts"`
	NextAttemptAt time.Time  `gorm:"type:timestamptz;not null;index:idx_jobs_due,priority:3" json:"nextAttemptAt"`
	LastError     *string    `gorm:"type:text" json:"lastError,omitempty"`
	DeliveredAt   *time.Time `gorm:"type:timestamptz" json:"deliveredAt,omitempty"`

	Payload     datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	DigestJobID *string        `gorm:"type:varchar(36);index" json:"digestJobId,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updatedAt"`
}

func (NotificationJob) TableName() string {
	return "notification_jobs"
}

// DigestPayload is the Payload of a digest job.
type DigestPayload struct {
	Frequency   string    `json:"frequency"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	SignalIDs   []string  `json:"signalIds"`
}
