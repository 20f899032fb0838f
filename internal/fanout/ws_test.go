package fanout

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"signalrelay/internal/config"
)

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestWSServer_SubscribeAndReceive(t *testing.T) {
	reg := NewRegistry(10, nil)
	srv := NewWSServer(config.FanoutConfig{
		OutboxSize:  8,
		SendTimeout: time.Second,
		MaxTickers:  2,
	}, []string{"BTCUSDT", "ETHUSDT"}, reg, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?tickers=btcusdt"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if msg := readJSON(t, ctx, conn); msg["type"] != TypeSubscribed || msg["ticker"] != "BTCUSDT" {
		t.Fatalf("first msg=%v", msg)
	}

	reg.Broadcast(ctx, btcSignal())
	if msg := readJSON(t, ctx, conn); msg["type"] != TypeSignal || msg["ticker"] != "BTCUSDT" {
		t.Fatalf("signal msg=%v", msg)
	}

	sub, _ := json.Marshal(clientMessage{Type: "subscribe", Ticker: "DOGEUSDT"})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, ctx, conn); msg["type"] != TypeError {
		t.Fatalf("expected error for unsupported ticker, got %v", msg)
	}

	unsub, _ := json.Marshal(clientMessage{Type: "unsubscribe", Ticker: "BTCUSDT"})
	_ = conn.Write(ctx, websocket.MessageText, unsub)
	if msg := readJSON(t, ctx, conn); msg["type"] != TypeUnsubscribed {
		t.Fatalf("unsubscribe msg=%v", msg)
	}
	if reg.Count("BTCUSDT") != 0 {
		t.Fatalf("count=%d want 0", reg.Count("BTCUSDT"))
	}
}

func TestWSServer_RejectsTooManyTickers(t *testing.T) {
	srv := NewWSServer(config.FanoutConfig{MaxTickers: 1}, nil, NewRegistry(0, nil), nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?tickers=BTCUSDT,ETHUSDT"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("resp=%v", resp)
	}
}

func TestWSServer_DisconnectRemovesSession(t *testing.T) {
	reg := NewRegistry(0, nil)
	srv := NewWSServer(config.FanoutConfig{OutboxSize: 4, SendTimeout: time.Second}, nil, reg, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"?tickers=ETHUSDT", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = readJSON(t, ctx, conn)
	if reg.Count("ETHUSDT") != 1 {
		t.Fatalf("count=%d want 1", reg.Count("ETHUSDT"))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count("ETHUSDT") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
