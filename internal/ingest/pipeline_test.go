package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var received = time.Date(2024, 5, 1, 12, 30, 45, 123_000_000, time.UTC)

func testPipeline() Pipeline {
	return NewPipeline([]string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "1h", "4h"}, "1h")
}

func TestPipeline_NormalizesValidPayload(t *testing.T) {
	d, err := testPipeline().Run(DraftFrom(Payload{
		Ticker: " btcusdt ",
		Action: "BUY",
		Price:  "67500.00",
	}, received))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Ticker != "BTCUSDT" || d.Action != "buy" || d.Timeframe != "1h" || d.Source != "webhook" {
		t.Fatalf("draft=%+v", d)
	}
	if got := d.Price.StringFixed(PriceScale); got != "67500.00000000" {
		t.Fatalf("price=%s", got)
	}
	if !d.OccurredAt.Equal(received.Truncate(time.Second)) {
		t.Fatalf("occurredAt=%s", d.OccurredAt)
	}
}

func TestPipeline_FirstFailureNamesField(t *testing.T) {
	cases := []struct {
		name    string
		payload Payload
		field   string
	}{
		{"missing ticker", Payload{Action: "buy", Price: "1"}, "ticker"},
		{"missing price", Payload{Ticker: "BTCUSDT", Action: "buy"}, "price"},
		{"unknown ticker", Payload{Ticker: "DOGEUSDT", Action: "buy", Price: "1"}, "ticker"},
		{"bad action", Payload{Ticker: "BTCUSDT", Action: "hold", Price: "1"}, "action"},
		{"text price", Payload{Ticker: "BTCUSDT", Action: "buy", Price: "abc"}, "price"},
		{"negative price", Payload{Ticker: "BTCUSDT", Action: "sell", Price: "-5"}, "price"},
		{"zero price", Payload{Ticker: "BTCUSDT", Action: "sell", Price: "0"}, "price"},
		{"bad timeframe", Payload{Ticker: "BTCUSDT", Action: "buy", Price: "1", Timeframe: "2h"}, "timeframe"},
		{"bad source", Payload{Ticker: "BTCUSDT", Action: "buy", Price: "1", Source: "rumor"}, "source"},
		{"bad time", Payload{Ticker: "BTCUSDT", Action: "buy", Price: "1", Time: "yesterday"}, "time"},
		{"ticker before action", Payload{Ticker: "NOPE", Action: "hold", Price: "1"}, "ticker"},
	}
	for _, tc := range cases {
		_, err := testPipeline().Run(DraftFrom(tc.payload, received))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: err=%v want ValidationError", tc.name, err)
		}
		if verr.Field != tc.field {
			t.Fatalf("%s: field=%s want %s", tc.name, verr.Field, tc.field)
		}
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: not ErrInvalidPayload", tc.name)
		}
	}
}

func TestParseOccurredAt_Formats(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2024-05-01T10:00:00Z", "2024-05-01T12:00:00+02:00", "1714557600", "1714557600000"} {
		res := ParseOccurredAt(Draft{TimeRaw: raw, ReceivedAt: received})
		if !res.IsOk() {
			t.Fatalf("%s: %v", raw, res.Err)
		}
		if !res.Draft.OccurredAt.Equal(want) {
			t.Fatalf("%s: got %s", raw, res.Draft.OccurredAt)
		}
	}
}

func TestFlexString_AcceptsNumberAndString(t *testing.T) {
	var p Payload
	if err := json.Unmarshal([]byte(`{"ticker":"BTCUSDT","action":"buy","price":67500.5,"time":1714557600}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Price.String() != "67500.5" || p.Time.String() != "1714557600" {
		t.Fatalf("payload=%+v", p)
	}
	if err := json.Unmarshal([]byte(`{"price":"67500.50"}`), &p); err != nil || p.Price.String() != "67500.50" {
		t.Fatalf("string price=%q err=%v", p.Price, err)
	}
	if err := json.Unmarshal([]byte(`{"price":true}`), &p); err == nil {
		t.Fatalf("expected error for bool price")
	}
}

func TestIdempotencyKey_NormalizedPriceAndExcludesNote(t *testing.T) {
	p := testPipeline()
	a, _ := p.Run(DraftFrom(Payload{Ticker: "BTCUSDT", Action: "buy", Price: "67500", Comment: "first"}, received))
	b, _ := p.Run(DraftFrom(Payload{Ticker: "btcusdt", Action: "Buy", Price: "67500.000", Comment: "second"}, received.Add(100*time.Millisecond)))
	if IdempotencyKey(a) != IdempotencyKey(b) {
		t.Fatalf("keys differ for equivalent alerts")
	}
	c, _ := p.Run(DraftFrom(Payload{Ticker: "BTCUSDT", Action: "sell", Price: "67500"}, received))
	if IdempotencyKey(a) == IdempotencyKey(c) {
		t.Fatalf("keys equal for different actions")
	}
	if len(IdempotencyKey(a)) != 64 {
		t.Fatalf("key length=%d", len(IdempotencyKey(a)))
	}
}
