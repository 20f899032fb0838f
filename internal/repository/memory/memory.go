// Package memory is an in-process Repository used by tests and by dev runs
// without a database. It enforces the same uniqueness and compare-and-set rules
// as the gorm store.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	signals map[string]models.Signal
	jobs    map[string]models.NotificationJob
	jobKeys map[string]string

	subscriptions map[string]map[string]bool // ticker -> user -> active
	accounts      map[string]models.UserAccount
	preferences   map[string]models.NotificationPreference
	cursors       map[string]models.DigestCursor
}

func New() *Store {
	return &Store{
		signals:       map[string]models.Signal{},
		jobs:          map[string]models.NotificationJob{},
		jobKeys:       map[string]string{},
		subscriptions: map[string]map[string]bool{},
		accounts:      map[string]models.UserAccount{},
		preferences:   map[string]models.NotificationPreference{},
		cursors:       map[string]models.DigestCursor{},
	}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) Ping(context.Context) error { return nil }

// --- seeding (the account service owns these rows in production) ----------

func (s *Store) AddSubscription(userID, ticker string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	users, ok := s.subscriptions[ticker]
	if !ok {
		users = map[string]bool{}
		s.subscriptions[ticker] = users
	}
	users[userID] = active
}

func (s *Store) RemoveSubscription(userID, ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	delete(s.subscriptions[ticker], userID)
}

func (s *Store) PutAccount(item models.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[item.UserID] = item
}

func (s *Store) PutPreference(item models.NotificationPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[item.UserID] = item
}

// --- signals ----------------------------------------------------------------

func (s *Store) AppendSignal(_ context.Context, item *models.Signal) (bool, error) {
	if item == nil {
		return false, nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return false, errors.New("signal id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[item.ID]; ok {
		return false, nil
	}
	s.signals[item.ID] = *item
	return true, nil
}

func (s *Store) GetSignal(_ context.Context, id string) (*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.signals[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) GetSignalsByIDs(_ context.Context, ids []string) ([]models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Signal, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if item, ok := s.signals[id]; ok {
			out = append(out, item)
		}
	}
	sortSignals(out, true)
	return out, nil
}

func (s *Store) ListSignals(_ context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	s.mu.RLock()
	tickers := map[string]bool{}
	for _, t := range params.Tickers {
		if t = strings.TrimSpace(t); t != "" {
			tickers[t] = true
		}
	}
	out := make([]models.Signal, 0)
	for _, item := range s.signals {
		if len(tickers) > 0 && !tickers[item.Ticker] {
			continue
		}
		if params.Since != nil && !params.Since.IsZero() && !afterCursor(item, *params.Since, params.AfterID) {
			continue
		}
		if params.Until != nil && !params.Until.IsZero() && item.ReceivedAt.After(*params.Until) {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()

	sortSignals(out, params.Asc != nil && *params.Asc)
	return page(out, params.Limit, params.Offset, 200), nil
}

// --- jobs -------------------------------------------------------------------

func (s *Store) InsertJob(_ context.Context, item *models.NotificationJob) (bool, error) {
	if item == nil {
		return false, nil
	}
	if item.ID == "" {
		return false, errors.New("job id is empty")
	}
	key := jobKey(item.SignalID, item.UserID, item.Channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobKeys[key]; ok {
		return false, nil
	}
	if _, ok := s.jobs[item.ID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	s.jobs[item.ID] = *item
	s.jobKeys[key] = item.ID
	return true, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.NotificationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ClaimJob(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if item.State != models.JobStatePending && item.State != models.JobStateFailed {
		return false, nil
	}
	if item.NextAttemptAt.After(now) {
		return false, nil
	}
	item.State = models.JobStateSending
	item.UpdatedAt = now
	s.jobs[id] = item
	return true, nil
}

func (s *Store) UpdateJob(_ context.Context, id string, from []string, update repository.JobUpdate) (bool, error) {
	if len(from) == 0 || strings.TrimSpace(update.State) == "" {
		return false, errors.New("job update needs from states and a target state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.jobs[id]
	if !ok || !contains(from, item.State) {
		return false, nil
	}
	item.State = update.State
	if update.Attempts != nil {
		item.Attempts = *update.Attempts
	}
	if update.NextAttemptAt != nil {
		item.NextAttemptAt = *update.NextAttemptAt
	}
	if update.LastError != nil {
		v := *update.LastError
		item.LastError = &v
	}
	if update.DeliveredAt != nil {
		v := *update.DeliveredAt
		item.DeliveredAt = &v
	}
	item.UpdatedAt = update.UpdatedAt
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	s.jobs[id] = item
	return true, nil
}

func (s *Store) ListDueJobs(_ context.Context, channel string, now time.Time, limit int) ([]models.NotificationJob, error) {
	s.mu.RLock()
	out := make([]models.NotificationJob, 0)
	for _, item := range s.jobs {
		if item.Channel != channel {
			continue
		}
		if item.State != models.JobStatePending && item.State != models.JobStateFailed {
			continue
		}
		if item.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return page(out, limit, 0, 200), nil
}

func (s *Store) ListJobs(_ context.Context, params repository.ListJobsParams) ([]models.NotificationJob, error) {
	s.mu.RLock()
	out := make([]models.NotificationJob, 0)
	for _, item := range s.jobs {
		if params.State != nil && *params.State != "" && item.State != *params.State {
			continue
		}
		if params.Channel != nil && *params.Channel != "" && item.Channel != *params.Channel {
			continue
		}
		if params.UserID != nil && *params.UserID != "" && item.UserID != *params.UserID {
			continue
		}
		if params.SignalID != nil && *params.SignalID != "" && item.SignalID != *params.SignalID {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()
	asc := params.Asc != nil && *params.Asc
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if asc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if asc {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	return page(out, params.Limit, params.Offset, 100), nil
}

func (s *Store) CountJobsBySignal(_ context.Context, signalID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.jobs {
		if item.SignalID == signalID {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecoverStaleSending(_ context.Context, before time.Time, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	msg := "recovered from stale sending state"
	for id, item := range s.jobs {
		if item.State != models.JobStateSending || !item.UpdatedAt.Before(before) {
			continue
		}
		item.State = models.JobStateFailed
		item.NextAttemptAt = now
		item.LastError = &msg
		item.UpdatedAt = now
		s.jobs[id] = item
		n++
	}
	return n, nil
}

func (s *Store) LinkDigestMarkers(_ context.Context, userID, channel string, signalIDs []string, digestJobID string) (int64, error) {
	wanted := map[string]bool{}
	for _, id := range signalIDs {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.jobs {
		if item.UserID != userID || item.Channel != channel {
			continue
		}
		if item.State != models.JobStateQueuedForDigest || item.DigestJobID != nil {
			continue
		}
		if !wanted[item.SignalID] {
			continue
		}
		link := digestJobID
		item.DigestJobID = &link
		item.UpdatedAt = time.Now().UTC()
		s.jobs[id] = item
		n++
	}
	return n, nil
}

func (s *Store) SettleDigestMarkers(_ context.Context, digestJobID string, state string) (int64, error) {
	if !models.IsTerminalJobState(state) {
		return 0, errors.New("digest markers settle only into terminal states")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.jobs {
		if item.DigestJobID == nil || *item.DigestJobID != digestJobID {
			continue
		}
		if item.State != models.JobStateQueuedForDigest {
			continue
		}
		item.State = state
		item.UpdatedAt = time.Now().UTC()
		s.jobs[id] = item
		n++
	}
	return n, nil
}

// --- accounts ---------------------------------------------------------------

func (s *Store) ListSubscribers(_ context.Context, ticker string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	out := make([]models.Subscription, 0)
	for userID, active := range s.subscriptions[ticker] {
		if active {
			out = append(out, models.Subscription{UserID: userID, Ticker: ticker, Active: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) ListSubscriptionsByUser(_ context.Context, userID string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Subscription, 0)
	for ticker, users := range s.subscriptions {
		if users[userID] {
			out = append(out, models.Subscription{UserID: userID, Ticker: ticker, Active: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (*models.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) GetPreference(_ context.Context, userID string) (*models.NotificationPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.preferences[userID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListPreferences(_ context.Context, params repository.ListPreferencesParams) ([]models.NotificationPreference, error) {
	freqs := map[string]bool{}
	for _, f := range params.Frequencies {
		if f = strings.TrimSpace(f); f != "" {
			freqs[f] = true
		}
	}
	s.mu.RLock()
	out := make([]models.NotificationPreference, 0)
	for _, item := range s.preferences {
		if len(freqs) > 0 && !freqs[item.Frequency] {
			continue
		}
		out = append(out, item)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return page(out, params.Limit, params.Offset, 500), nil
}

// --- digest cursors ---------------------------------------------------------

func (s *Store) GetDigestCursor(_ context.Context, userID, frequency string) (*models.DigestCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.cursors[userID+"|"+frequency]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) SaveDigestCursor(_ context.Context, item *models.DigestCursor) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.UserID + "|" + item.Frequency
	stored := *item
	if prev, ok := s.cursors[key]; ok {
		stored.ID = prev.ID
	} else {
		stored.ID = uint64(len(s.cursors) + 1)
	}
	stored.UpdatedAt = time.Now().UTC()
	s.cursors[key] = stored
	return nil
}

// --- helpers ----------------------------------------------------------------

func afterCursor(item models.Signal, since time.Time, afterID string) bool {
	if item.ReceivedAt.After(since) {
		return true
	}
	return afterID != "" && item.ReceivedAt.Equal(since) && item.ID > afterID
}

func jobKey(signalID, userID, channel string) string {
	return signalID + "|" + userID + "|" + channel
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

func sortSignals(items []models.Signal, asc bool) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ReceivedAt.Equal(b.ReceivedAt) {
			if asc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if asc {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ReceivedAt.After(b.ReceivedAt)
	})
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
