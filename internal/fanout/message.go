package fanout

import (
	"encoding/json"
	"time"

	"signalrelay/internal/models"
)

const (
	TypeSignal       = "signal"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Message is the live push emitted to subscribers of a ticker.
type Message struct {
	Type       string    `json:"type"`
	Ticker     string    `json:"ticker"`
	Action     string    `json:"action"`
	Price      string    `json:"price"`
	Timeframe  string    `json:"timeframe"`
	OccurredAt time.Time `json:"occurredAt"`
}

func NewMessage(s models.Signal) Message {
	return Message{
		Type:       TypeSignal,
		Ticker:     s.Ticker,
		Action:     s.Action,
		Price:      s.Price.String(),
		Timeframe:  s.Timeframe,
		OccurredAt: s.OccurredAt.UTC(),
	}
}

// clientMessage is what live clients may send.
type clientMessage struct {
	Type   string `json:"type"`
	Ticker string `json:"ticker"`
}

type controlMessage struct {
	Type    string `json:"type"`
	Ticker  string `json:"ticker,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeControl(typ, ticker, message string) []byte {
	b, _ := json.Marshal(controlMessage{Type: typ, Ticker: ticker, Message: message})
	return b
}
