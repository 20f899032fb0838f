// Package fanout pushes new signals to connected live clients. Delivery is
// best effort: offline clients miss the push and no job is recorded.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signalrelay/internal/models"
)

const shardCount = 32

var ErrTickerFull = errors.New("ticker subscriber limit reached")

// Session is one live connection. Enqueue must never block.
type Session interface {
	ID() string
	Enqueue(msg []byte) bool
}

type BroadcastStats struct {
	Subscribers int
	Enqueued    int
	Dropped     int
	Skipped     bool
}

type shard struct {
	mu      sync.RWMutex
	tickers map[string]map[string]Session
}

// Registry maps tickers to live sessions. It is lock-striped by ticker so
// connects, disconnects and broadcasts on different tickers do not contend.
type Registry struct {
	shards       [shardCount]shard
	maxPerTicker int
	logger       *zap.Logger

	enqueued uint64
	dropped  uint64
}

func NewRegistry(maxPerTicker int, logger *zap.Logger) *Registry {
	r := &Registry{maxPerTicker: maxPerTicker, logger: logger}
	for i := range r.shards {
		r.shards[i].tickers = map[string]map[string]Session{}
	}
	return r
}

func (r *Registry) shardFor(ticker string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticker))
	return &r.shards[h.Sum32()%shardCount]
}

func normTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

func (r *Registry) Add(ticker string, s Session) error {
	if r == nil || s == nil {
		return errors.New("registry or session missing")
	}
	ticker = normTicker(ticker)
	if ticker == "" {
		return errors.New("ticker is empty")
	}
	sh := r.shardFor(ticker)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.tickers[ticker]
	if !ok {
		set = map[string]Session{}
		sh.tickers[ticker] = set
	}
	if _, exists := set[s.ID()]; exists {
		return nil
	}
	if r.maxPerTicker > 0 && len(set) >= r.maxPerTicker {
		return ErrTickerFull
	}
	set[s.ID()] = s
	return nil
}

func (r *Registry) Remove(ticker, id string) {
	if r == nil {
		return
	}
	ticker = normTicker(ticker)
	sh := r.shardFor(ticker)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.tickers[ticker]
	delete(set, id)
	if len(set) == 0 {
		delete(sh.tickers, ticker)
	}
}

// RemoveAll drops a session from every ticker.
func (r *Registry) RemoveAll(id string) {
	if r == nil {
		return
	}
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for ticker, set := range sh.tickers {
			delete(set, id)
			if len(set) == 0 {
				delete(sh.tickers, ticker)
			}
		}
		sh.mu.Unlock()
	}
}

func (r *Registry) Count(ticker string) int {
	if r == nil {
		return 0
	}
	ticker = normTicker(ticker)
	sh := r.shardFor(ticker)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.tickers[ticker])
}

// Broadcast enqueues the signal on every session subscribed to its ticker.
// It never waits on a session; full outboxes drop the push. A done ctx skips
// the push entirely.
func (r *Registry) Broadcast(ctx context.Context, sig models.Signal) BroadcastStats {
	if r == nil {
		return BroadcastStats{}
	}
	if ctx.Err() != nil {
		fanoutMessages.WithLabelValues("skipped").Inc()
		return BroadcastStats{Skipped: true}
	}
	payload, err := json.Marshal(NewMessage(sig))
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("fanout marshal failed", zap.String("signal_id", sig.ID), zap.Error(err))
		}
		return BroadcastStats{}
	}

	ticker := normTicker(sig.Ticker)
	sh := r.shardFor(ticker)
	sh.mu.RLock()
	targets := make([]Session, 0, len(sh.tickers[ticker]))
	for _, s := range sh.tickers[ticker] {
		targets = append(targets, s)
	}
	sh.mu.RUnlock()

	stats := BroadcastStats{Subscribers: len(targets)}
	for _, s := range targets {
		if s.Enqueue(payload) {
			stats.Enqueued++
		} else {
			stats.Dropped++
		}
	}
	atomic.AddUint64(&r.enqueued, uint64(stats.Enqueued))
	atomic.AddUint64(&r.dropped, uint64(stats.Dropped))
	fanoutMessages.WithLabelValues("enqueued").Add(float64(stats.Enqueued))
	fanoutMessages.WithLabelValues("dropped").Add(float64(stats.Dropped))
	return stats
}

// Run logs throughput counters until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r == nil {
		return nil
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.logger != nil {
				r.logger.Info("fanout stats",
					zap.Uint64("enqueued", atomic.LoadUint64(&r.enqueued)),
					zap.Uint64("dropped", atomic.LoadUint64(&r.dropped)),
				)
			}
		}
	}
}
