package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Payload is the alert body posted by charting providers.
type Payload struct {
	Ticker    string     `json:"ticker"`
	Action    string     `json:"action"`
	Price     FlexString `json:"price"`
	Timeframe string     `json:"timeframe,omitempty"`
	Strategy  string     `json:"strategy,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Secret    string     `json:"secret,omitempty"`
	Time      FlexString `json:"time,omitempty"`
	Source    string     `json:"source,omitempty"`
}

// FlexString accepts either a JSON string or a bare JSON number. Providers
// disagree on whether prices are quoted.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return strings.TrimSpace(string(f))
}

// Fields advertised by the config introspection endpoint.
var (
	RequiredFields = []string{"ticker", "action", "price"}
	OptionalFields = []string{"timeframe", "strategy", "comment", "secret", "time", "source"}
	Actions        = []string{"buy", "sell"}
	Sources        = []string{"webhook", "manual", "algorithm"}
)
