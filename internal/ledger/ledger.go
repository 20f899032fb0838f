// Package ledger is the append-only signal store. The storage unique key on the
// signal id is the only serialization point for concurrent ingestion.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

var ErrMissingSignal = errors.New("signal vanished after conflicting append")

type Ledger struct {
	Repo repository.SignalRepository
}

func New(repo repository.SignalRepository) *Ledger {
	return &Ledger{Repo: repo}
}

// Append stores item unless its id exists. A conflicting insert is not an
// error: it returns the id of the stored row with isNew=false.
func (l *Ledger) Append(ctx context.Context, item *models.Signal) (string, bool, error) {
	if l == nil || l.Repo == nil {
		return "", false, errors.New("ledger not configured")
	}
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return "", false, errors.New("signal id is required")
	}
	created, err := l.Repo.AppendSignal(ctx, item)
	if err != nil {
		return "", false, fmt.Errorf("append signal %s: %w", item.ID, err)
	}
	if created {
		return item.ID, true, nil
	}
	existing, err := l.Repo.GetSignal(ctx, item.ID)
	if err != nil {
		return "", false, fmt.Errorf("load signal %s: %w", item.ID, err)
	}
	if existing == nil {
		return "", false, ErrMissingSignal
	}
	return existing.ID, false, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Signal, error) {
	if l == nil || l.Repo == nil {
		return nil, nil
	}
	return l.Repo.GetSignal(ctx, id)
}

func (l *Ledger) GetMany(ctx context.Context, ids []string) ([]models.Signal, error) {
	if l == nil || l.Repo == nil {
		return nil, nil
	}
	items, err := l.Repo.GetSignalsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	// keep caller order
	byID := make(map[string]models.Signal, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	out := make([]models.Signal, 0, len(items))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
			delete(byID, id)
		}
	}
	return out, nil
}

// ListByTicker returns signals for ticker received after since, oldest first.
func (l *Ledger) ListByTicker(ctx context.Context, ticker string, since time.Time, limit int) ([]models.Signal, error) {
	return l.ListForTickers(ctx, []string{strings.ToUpper(strings.TrimSpace(ticker))}, since, time.Time{}, limit)
}

// ListSince returns signals on any ticker received after since, oldest first.
func (l *Ledger) ListSince(ctx context.Context, since time.Time, limit int) ([]models.Signal, error) {
	return l.ListForTickers(ctx, nil, since, time.Time{}, limit)
}

// ListForTickers returns signals for tickers in (since, until], oldest first.
// A zero until leaves the window open.
func (l *Ledger) ListForTickers(ctx context.Context, tickers []string, since, until time.Time, limit int) ([]models.Signal, error) {
	return l.ListWindow(ctx, tickers, since, "", until, limit)
}

// ListWindow is ListForTickers resuming from a (since, afterID) position:
// signals received exactly at since are included when their id sorts after
// afterID.
func (l *Ledger) ListWindow(ctx context.Context, tickers []string, since time.Time, afterID string, until time.Time, limit int) ([]models.Signal, error) {
	if l == nil || l.Repo == nil {
		return nil, nil
	}
	params := repository.ListSignalsParams{
		Limit:   limit,
		Tickers: tickers,
		Asc:     repository.BoolPtr(true),
	}
	if !since.IsZero() {
		params.Since = repository.TimePtr(since)
		params.AfterID = afterID
	}
	if !until.IsZero() {
		params.Until = repository.TimePtr(until)
	}
	return l.Repo.ListSignals(ctx, params)
}

// List is the operator listing: newest first with offset paging.
func (l *Ledger) List(ctx context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	if l == nil || l.Repo == nil {
		return nil, nil
	}
	return l.Repo.ListSignals(ctx, params)
}
