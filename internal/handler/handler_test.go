package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"signalrelay/internal/auth"
	"signalrelay/internal/cache"
	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/dispatch"
	"signalrelay/internal/ingest"
	"signalrelay/internal/ledger"
	"signalrelay/internal/models"
	"signalrelay/internal/repository/memory"
)

type decoded struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
}

type nopPublisher struct{ n int }

func (p *nopPublisher) Publish(models.Signal) { p.n++ }

var webhookCfg = config.WebhookConfig{
	Secret:              "valid",
	SupportedTickers:    []string{"BTCUSDT", "ETHUSDT"},
	SupportedTimeframes: []string{"1h", "4h"},
	DefaultTimeframe:    "1h",
	MaxBodyBytes:        4096,
}

var jwtCfg = auth.JWT{Secret: []byte("test-secret")}

type server struct {
	engine *gin.Engine
	store  *memory.Store
	pub    *nopPublisher
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.New()
	pub := &nopPublisher{}
	led := ledger.New(store)
	gate := ingest.NewGate(webhookCfg, led, pub, cache.NewMemoryStore(), nil)
	gate.Clock = clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	r := gin.New()
	(&WebhookHandler{Gate: gate, Config: webhookCfg}).Register(r)
	(&SignalHandler{Ledger: led, Auth: auth.RequireOperator(jwtCfg)}).Register(r)
	(&AdminHandler{
		Jobs:     store,
		Breakers: dispatch.New(dispatch.Options{Jobs: store}),
		Auth:     auth.RequireOperator(jwtCfg),
	}).Register(r)
	(&HealthHandler{Store: store}).Register(r)
	return &server{engine: r, store: store, pub: pub}
}

func (s *server) do(t *testing.T, method, path string, body any, headers map[string]string) (int, decoded) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			_ = json.NewEncoder(&buf).Encode(v)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	var out decoded
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func operatorToken(t *testing.T) string {
	t.Helper()
	tok, _, err := jwtCfg.Sign(auth.Claims{Role: auth.RoleOperator})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

var btc = map[string]any{"ticker": "BTCUSDT", "action": "buy", "price": "67500.00", "timeframe": "1h"}

func TestWebhook_AcceptsValidAlert(t *testing.T) {
	s := newServer(t)
	code, out := s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, map[string]string{"x-webhook-secret": "valid"})
	if code != http.StatusOK || out.Code != 0 {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	var res ingest.Result
	_ = json.Unmarshal(out.Data, &res)
	if res.SignalID == "" || res.Duplicate {
		t.Fatalf("res=%+v", res)
	}
	sig, _ := s.store.GetSignal(context.Background(), res.SignalID)
	if sig == nil || sig.Ticker != "BTCUSDT" || sig.Price.String() != "67500" {
		t.Fatalf("stored=%+v", sig)
	}
	if s.pub.n != 1 {
		t.Fatalf("published=%d", s.pub.n)
	}
}

func TestWebhook_DuplicateReturnsSameID(t *testing.T) {
	s := newServer(t)
	hdr := map[string]string{"x-webhook-secret": "valid"}
	_, first := s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, hdr)
	code, second := s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, hdr)
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var a, b ingest.Result
	_ = json.Unmarshal(first.Data, &a)
	_ = json.Unmarshal(second.Data, &b)
	if a.SignalID != b.SignalID || !b.Duplicate {
		t.Fatalf("first=%+v second=%+v", a, b)
	}
	if s.pub.n != 1 {
		t.Fatalf("published=%d want 1", s.pub.n)
	}
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, map[string]string{"x-webhook-secret": "wrong"})
	if code != http.StatusUnauthorized {
		t.Fatalf("code=%d want 401", code)
	}
	code, _ = s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("missing secret code=%d want 401", code)
	}
	withBodySecret := map[string]any{"ticker": "BTCUSDT", "action": "sell", "price": 1, "secret": "valid"}
	if code, _ := s.do(t, http.MethodPost, "/api/webhook/tradingview", withBodySecret, nil); code != http.StatusOK {
		t.Fatalf("body secret code=%d want 200", code)
	}
}

func TestWebhook_RejectsInvalidPayload(t *testing.T) {
	s := newServer(t)
	hdr := map[string]string{"x-webhook-secret": "valid"}
	cases := []struct {
		body  any
		field string
	}{
		{map[string]any{"ticker": "DOGEBTC", "action": "buy", "price": "1"}, "ticker"},
		{map[string]any{"ticker": "BTCUSDT", "action": "hold", "price": "1"}, "action"},
		{map[string]any{"ticker": "BTCUSDT", "action": "buy", "price": "abc"}, "price"},
		{map[string]any{"ticker": "BTCUSDT", "action": "buy", "price": "1", "timeframe": "7m"}, "timeframe"},
		{"not json", "body"},
		{map[string]any{"ticker": 5, "action": "buy", "price": "1"}, "ticker"},
		{map[string]any{"ticker": "BTCUSDT", "action": []string{"buy"}, "price": "1"}, "action"},
	}
	for _, tc := range cases {
		code, out := s.do(t, http.MethodPost, "/api/webhook/tradingview", tc.body, hdr)
		if code != http.StatusBadRequest {
			t.Fatalf("body=%v code=%d want 400", tc.body, code)
		}
		if out.Meta["field"] != tc.field {
			t.Fatalf("body=%v field=%v want %s", tc.body, out.Meta["field"], tc.field)
		}
	}
	if s.pub.n != 0 {
		t.Fatalf("rejected alerts must not publish")
	}
}

func TestWebhook_BadHeaderSecretIsCheckedBeforeBody(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(t, http.MethodPost, "/api/webhook/tradingview", "not json", map[string]string{"x-webhook-secret": "wrong"})
	if code != http.StatusUnauthorized {
		t.Fatalf("code=%d want 401", code)
	}
	code, _ = s.do(t, http.MethodPost, "/api/webhook/tradingview", map[string]any{"ticker": 5}, map[string]string{"x-webhook-secret": "wrong"})
	if code != http.StatusUnauthorized {
		t.Fatalf("typed body code=%d want 401", code)
	}
}

func TestWebhook_Config(t *testing.T) {
	s := newServer(t)
	code, out := s.do(t, http.MethodGet, "/api/webhook/config", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var view webhookConfigView
	_ = json.Unmarshal(out.Data, &view)
	if len(view.SupportedTickers) != 2 || len(view.SupportedTimeframes) != 2 || len(view.RequiredFields) != 3 {
		t.Fatalf("view=%+v", view)
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/api/signals", "/api/admin/jobs", "/api/admin/breakers"} {
		if code, _ := s.do(t, http.MethodGet, path, nil, nil); code != http.StatusUnauthorized {
			t.Fatalf("%s code=%d want 401", path, code)
		}
	}
	viewer, _, _ := jwtCfg.Sign(auth.Claims{Role: "viewer"})
	if code, _ := s.do(t, http.MethodGet, "/api/signals", nil, map[string]string{"Authorization": "Bearer " + viewer}); code != http.StatusForbidden {
		t.Fatalf("viewer code=%d want 403", code)
	}
}

func TestSignalsAndAdminWithToken(t *testing.T) {
	s := newServer(t)
	_, posted := s.do(t, http.MethodPost, "/api/webhook/tradingview", btc, map[string]string{"x-webhook-secret": "valid"})
	var res ingest.Result
	_ = json.Unmarshal(posted.Data, &res)
	hdr := map[string]string{"Authorization": operatorToken(t)}

	code, out := s.do(t, http.MethodGet, "/api/signals?ticker=btcusdt", nil, hdr)
	var items []models.Signal
	_ = json.Unmarshal(out.Data, &items)
	if code != http.StatusOK || len(items) != 1 || items[0].ID != res.SignalID {
		t.Fatalf("code=%d items=%+v", code, items)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/signals/"+res.SignalID, nil, hdr); code != http.StatusOK {
		t.Fatalf("get code=%d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/signals/missing", nil, hdr); code != http.StatusNotFound {
		t.Fatalf("missing code=%d", code)
	}

	code, out = s.do(t, http.MethodGet, "/api/admin/breakers", nil, hdr)
	var breakers []dispatch.BreakerStatus
	_ = json.Unmarshal(out.Data, &breakers)
	if code != http.StatusOK || len(breakers) != len(models.AllChannels) {
		t.Fatalf("code=%d breakers=%+v", code, breakers)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/admin/dead-letters", nil, hdr); code != http.StatusOK {
		t.Fatalf("dead letters code=%d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/admin/digest/hourly", nil, hdr); code != http.StatusInternalServerError {
		t.Fatalf("digest without scheduler code=%d", code)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	if code, _ := s.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz=%d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/readyz", nil, nil); code != http.StatusOK {
		t.Fatalf("readyz=%d", code)
	}
}
