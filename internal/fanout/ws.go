package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"signalrelay/internal/config"
)

// WSServer upgrades live clients and keeps their ticker subscriptions in the
// Registry for the lifetime of the connection.
type WSServer struct {
	Registry *Registry
	Logger   *zap.Logger

	OutboxSize       int
	SendTimeout      time.Duration
	MaxTickers       int
	ReadLimit        int64
	HeartbeatTimeout time.Duration
	AllowedOrigins   []string
	// Tickers restricts subscriptions when non-empty.
	Tickers map[string]struct{}
}

func NewWSServer(cfg config.FanoutConfig, tickers []string, registry *Registry, logger *zap.Logger) *WSServer {
	allowed := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		if t = normTicker(t); t != "" {
			allowed[t] = struct{}{}
		}
	}
	return &WSServer{
		Registry:         registry,
		Logger:           logger,
		OutboxSize:       cfg.OutboxSize,
		SendTimeout:      cfg.SendTimeout,
		MaxTickers:       cfg.MaxTickers,
		ReadLimit:        cfg.ReadLimitBytes,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		AllowedOrigins:   cfg.AllowedOrigins,
		Tickers:          allowed,
	}
}

// ParseTickers splits a comma separated ticker list, upper-casing and
// de-duplicating entries.
func ParseTickers(raw string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		t := normTicker(part)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tickers := ParseTickers(r.URL.Query().Get("tickers"))
	if s.MaxTickers > 0 && len(tickers) > s.MaxTickers {
		http.Error(w, "too many tickers", http.StatusBadRequest)
		return
	}
	for _, t := range tickers {
		if !s.tickerAllowed(t) {
			http.Error(w, "unsupported ticker "+t, http.StatusBadRequest)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.AllowedOrigins})
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("ws accept failed", zap.Error(err))
		}
		return
	}
	if s.ReadLimit > 0 {
		conn.SetReadLimit(s.ReadLimit)
	}
	s.serve(r.Context(), conn, tickers)
}

func (s *WSServer) serve(parent context.Context, conn *websocket.Conn, tickers []string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := &wsSession{
		server:  s,
		outbox:  NewOutbox(uuid.NewString(), s.OutboxSize),
		tickers: map[string]struct{}{},
	}
	fanoutSessions.Inc()
	defer func() {
		s.Registry.RemoveAll(sess.outbox.ID())
		sess.outbox.Close()
		fanoutSessions.Dec()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for _, t := range tickers {
		sess.subscribe(t)
	}

	go func() {
		err := sess.outbox.Drain(ctx, s.SendTimeout, func(wctx context.Context, msg []byte) error {
			return conn.Write(wctx, websocket.MessageText, msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) && s.Logger != nil {
			s.Logger.Debug("ws writer stopped", zap.String("session", sess.outbox.ID()), zap.Error(err))
		}
		cancel()
	}()
	go s.heartbeat(ctx, conn, cancel)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.outbox.Enqueue(encodeControl(TypeError, "", "malformed message"))
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Type)) {
		case TypeSubscribe:
			sess.subscribe(msg.Ticker)
		case TypeUnsubscribe:
			sess.unsubscribe(msg.Ticker)
		default:
			sess.outbox.Enqueue(encodeControl(TypeError, "", "unknown message type"))
		}
	}
}

func (s *WSServer) heartbeat(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	timeout := s.HeartbeatTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, timeout/2)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *WSServer) tickerAllowed(t string) bool {
	if len(s.Tickers) == 0 {
		return true
	}
	_, ok := s.Tickers[t]
	return ok
}

// wsSession state is only touched by the connection's read loop.
type wsSession struct {
	server  *WSServer
	outbox  *Outbox
	tickers map[string]struct{}
}

func (w *wsSession) subscribe(raw string) {
	t := normTicker(raw)
	switch {
	case t == "":
		w.outbox.Enqueue(encodeControl(TypeError, "", "ticker required"))
		return
	case !w.server.tickerAllowed(t):
		w.outbox.Enqueue(encodeControl(TypeError, t, "unsupported ticker"))
		return
	}
	if _, ok := w.tickers[t]; !ok && w.server.MaxTickers > 0 && len(w.tickers) >= w.server.MaxTickers {
		w.outbox.Enqueue(encodeControl(TypeError, t, "too many tickers"))
		return
	}
	if err := w.server.Registry.Add(t, w.outbox); err != nil {
		w.outbox.Enqueue(encodeControl(TypeError, t, err.Error()))
		return
	}
	w.tickers[t] = struct{}{}
	w.outbox.Enqueue(encodeControl(TypeSubscribed, t, ""))
}

func (w *wsSession) unsubscribe(raw string) {
	t := normTicker(raw)
	if _, ok := w.tickers[t]; !ok {
		return
	}
	w.server.Registry.Remove(t, w.outbox.ID())
	delete(w.tickers, t)
	w.outbox.Enqueue(encodeControl(TypeUnsubscribed, t, ""))
}
