package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"signalrelay/internal/cache"
	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

// Appender is the ledger capability the gate needs.
type Appender interface {
	Append(ctx context.Context, item *models.Signal) (id string, isNew bool, err error)
}

// Publisher receives newly persisted signals. Publish must not block.
type Publisher interface {
	Publish(signal models.Signal)
}

type Request struct {
	Provider     string
	HeaderSecret string
	Payload      Payload
}

type Result struct {
	SignalID  string `json:"signalId"`
	Duplicate bool   `json:"duplicate"`
}

var providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,49}$`)

type Gate struct {
	Ledger    Appender
	Publisher Publisher
	Cache     cache.Store
	Logger    *zap.Logger
	Clock     clock.Clock

	Secret          string
	ProviderSecrets map[string]string
	Pipeline        Pipeline
	IdempotencyTTL  time.Duration
}

func NewGate(cfg config.WebhookConfig, ledger Appender, publisher Publisher, store cache.Store, logger *zap.Logger) *Gate {
	secrets := make(map[string]string, len(cfg.ProviderSecrets))
	for name, secret := range cfg.ProviderSecrets {
		secrets[strings.ToLower(strings.TrimSpace(name))] = secret
	}
	return &Gate{
		Ledger:          ledger,
		Publisher:       publisher,
		Cache:           store,
		Logger:          logger,
		Secret:          cfg.Secret,
		ProviderSecrets: secrets,
		Pipeline:        NewPipeline(cfg.SupportedTickers, cfg.SupportedTimeframes, cfg.DefaultTimeframe),
		IdempotencyTTL:  10 * time.Minute,
	}
}

// Ingest authenticates, validates and persists one alert. It returns as soon as
// the ledger write settles; downstream work goes through Publisher.
func (g *Gate) Ingest(ctx context.Context, req Request) (Result, error) {
	if g == nil || g.Ledger == nil {
		return Result{}, errors.New("ingest gate not configured")
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if !g.authorized(provider, req.HeaderSecret, req.Payload.Secret) {
		ingestTotal.WithLabelValues("unauthorized").Inc()
		return Result{}, ErrUnauthorized
	}
	if !providerPattern.MatchString(provider) {
		ingestTotal.WithLabelValues("invalid").Inc()
		return Result{}, &ValidationError{Field: "provider", Detail: "unsupported provider name"}
	}

	draft, err := g.Pipeline.Run(DraftFrom(req.Payload, clock.Or(g.Clock).Now()))
	if err != nil {
		ingestTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	key := IdempotencyKey(draft)

	if g.seen(ctx, key) {
		ingestTotal.WithLabelValues("duplicate").Inc()
		return Result{SignalID: key, Duplicate: true}, nil
	}

	signal := &models.Signal{
		ID:         key,
		Ticker:     draft.Ticker,
		Action:     draft.Action,
		Price:      draft.Price,
		Timeframe:  draft.Timeframe,
		Source:     draft.Source,
		Provider:   provider,
		OccurredAt: draft.OccurredAt,
		ReceivedAt: draft.ReceivedAt,
	}
	if draft.Strategy != "" {
		v := draft.Strategy
		signal.Strategy = &v
	}
	if draft.Note != "" {
		v := draft.Note
		signal.Note = &v
	}

	id, isNew, err := g.Ledger.Append(ctx, signal)
	if err != nil {
		ingestTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("append signal: %w", err)
	}
	g.remember(ctx, id)

	if !isNew {
		ingestTotal.WithLabelValues("duplicate").Inc()
		return Result{SignalID: id, Duplicate: true}, nil
	}
	ingestTotal.WithLabelValues("accepted").Inc()
	if g.Logger != nil {
		g.Logger.Info("signal accepted",
			zap.String("signal_id", id),
			zap.String("ticker", signal.Ticker),
			zap.String("action", signal.Action),
			zap.String("provider", provider),
		)
	}
	if g.Publisher != nil {
		g.Publisher.Publish(*signal)
	}
	return Result{SignalID: id}, nil
}

// Authorize checks a header secret on its own, before the body is read.
func (g *Gate) Authorize(provider, headerSecret string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !g.authorized(provider, headerSecret, "") {
		ingestTotal.WithLabelValues("unauthorized").Inc()
		return ErrUnauthorized
	}
	return nil
}

func (g *Gate) authorized(provider, header, body string) bool {
	expected := g.Secret
	if s, ok := g.ProviderSecrets[provider]; ok && s != "" {
		expected = s
	}
	if expected == "" {
		return false
	}
	got := strings.TrimSpace(header)
	if got == "" {
		got = strings.TrimSpace(body)
	}
	if got == "" {
		return false
	}
	// Compare digests so the comparison time does not depend on length.
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (g *Gate) seen(ctx context.Context, key string) bool {
	if g.Cache == nil {
		return false
	}
	_, found, err := g.Cache.Get(ctx, cacheKey(key))
	if err != nil {
		if g.Logger != nil {
			g.Logger.Warn("idempotency cache get failed", zap.Error(err))
		}
		return false
	}
	return found
}

func (g *Gate) remember(ctx context.Context, key string) {
	if g.Cache == nil {
		return
	}
	ttl := g.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := g.Cache.Set(ctx, cacheKey(key), []byte("1"), ttl); err != nil && g.Logger != nil {
		g.Logger.Warn("idempotency cache set failed", zap.Error(err))
	}
}

func cacheKey(key string) string {
	return "signal:" + key
}
