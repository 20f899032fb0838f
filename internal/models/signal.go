package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"

	SourceWebhook   = "webhook"
	SourceManual    = "manual"
	SourceAlgorithm = "algorithm"
)

// Signal is an immutable trading alert. ID is the content-derived idempotency key.
type Signal struct {
	ID        string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	Ticker    string          `gorm:"type:varchar(32);not null;index:idx_signals_ticker_received,priority:1" json:"ticker"`
	Action    string          `gorm:"type:varchar(8);not null" json:"action"`
	Price     decimal.Decimal `gorm:"type:numeric(24,8);not null" json:"price"`
	Timeframe string          `gorm:"type:varchar(8);not null" json:"timeframe"`
	Source    string          `gorm:"type:varchar(16);not null" json:"source"`
	Provider  string          `gorm:"type:varchar(50)" json:"provider,omitempty"`
	Strategy  *string         `gorm:"type:varchar(100)" json:"strategy,omitempty"`
	Note      *string         `gorm:"type:text" json:"note,omitempty"`

	OccurredAt time.Time `gorm:"type:timestamptz;not null" json:"occurredAt"`
	ReceivedAt time.Time `gorm:"type:timestamptz;not null;index;index:idx_signals_ticker_received,priority:2" json:"receivedAt"`
}

func (Signal) TableName() string {
	return "signals"
}
