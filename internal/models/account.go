package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// The account-management service owns these tables; signalrelay only reads them.

const (
	FrequencyRealtime = "realtime"
	FrequencyDaily    = "daily"
	FrequencyWeekly   = "weekly"
	FrequencyNever    = "never"
)

type Subscription struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_subscription,priority:1"`
	Ticker    string    `gorm:"type:varchar(32);not null;uniqueIndex:uniq_subscription,priority:2;index"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

type UserAccount struct {
	UserID    string    `gorm:"type:varchar(64);primaryKey"`
	Tier      string    `gorm:"type:varchar(20);not null;default:'free'"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (UserAccount) TableName() string {
	return "user_accounts"
}

type NotificationPreference struct {
	UserID     string         `gorm:"type:varchar(64);primaryKey"`
	Channels   datatypes.JSON `gorm:"type:jsonb"`
	Frequency  string         `gorm:"type:varchar(10);not null;default:'realtime';index"`
	QuietStart string         `gorm:"type:varchar(5)"`
	QuietEnd   string         `gorm:"type:varchar(5)"`
	Timezone   string         `gorm:"type:varchar(64)"`

	Email     string `gorm:"type:varchar(255)"`
	Phone     string `gorm:"type:varchar(32)"`
	PushToken string `gorm:"type:varchar(255)"`
	ChatID    string `gorm:"type:varchar(64)"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (NotificationPreference) TableName() string {
	return "notification_preferences"
}

// EnabledChannels decodes Channels, ignoring unknown or malformed entries.
func (p NotificationPreference) EnabledChannels() []string {
	if len(p.Channels) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(p.Channels, &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, ch := range raw {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// AddressFor returns the contact address for a channel, empty when unset.
func (p NotificationPreference) AddressFor(channel string) string {
	switch channel {
	case ChannelEmail:
		return strings.TrimSpace(p.Email)
	case ChannelSMS:
		return strings.TrimSpace(p.Phone)
	case ChannelPush:
		return strings.TrimSpace(p.PushToken)
	case ChannelChat:
		return strings.TrimSpace(p.ChatID)
	default:
		return ""
	}
}

// ChannelsJSON encodes a channel list for NotificationPreference.Channels.
func ChannelsJSON(channels ...string) datatypes.JSON {
	b, _ := json.Marshal(channels)
	return datatypes.JSON(b)
}
