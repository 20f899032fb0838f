// Package digest batches signals for users who do not take realtime delivery
// and hands one aggregated job per channel to dispatch each cycle.
package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalrelay/internal/cache"
	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	cronrunner "signalrelay/internal/cron"
	"signalrelay/internal/eligibility"
	"signalrelay/internal/ledger"
	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

// ErrCycleLocked means another replica holds the cycle lock.
var ErrCycleLocked = errors.New("digest cycle already running")

const pageSize = 500

type Store interface {
	repository.AccountRepository
	repository.JobRepository
	repository.DigestRepository
}

type Enqueuer interface {
	Enqueue(job models.NotificationJob)
}

type CycleResult struct {
	Frequency string    `json:"frequency"`
	CycleAt   time.Time `json:"cycleAt"`
	Users     int       `json:"users"`
	Empty     int       `json:"empty"`
	Jobs      int       `json:"jobs"`
}

type Scheduler struct {
	Store      Store
	Ledger     *ledger.Ledger
	Resolver   *eligibility.Resolver
	Dispatch   Enqueuer
	Lock       cache.Store
	LockTTL    time.Duration
	MaxSignals int
	Clock      clock.Clock
	Logger     *zap.Logger
}

func Period(frequency string) time.Duration {
	if frequency == models.FrequencyWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Register adds the daily and weekly cycles to runner.
func (s *Scheduler) Register(runner *cronrunner.Runner, cfg config.DigestConfig) error {
	specs := []struct{ freq, spec string }{
		{models.FrequencyDaily, cfg.DailySpec},
		{models.FrequencyWeekly, cfg.WeeklySpec},
	}
	for _, it := range specs {
		if it.spec == "" {
			continue
		}
		freq := it.freq
		_, err := runner.Add("digest-"+freq, it.spec, func(ctx context.Context) {
			cycleAt := clock.Or(s.Clock).Now().Truncate(time.Minute)
			res, err := s.RunCycle(ctx, freq, cycleAt)
			if err != nil {
				if s.Logger != nil && !errors.Is(err, ErrCycleLocked) {
					s.Logger.Error("digest cycle failed", zap.String("frequency", freq), zap.Error(err))
				}
				return
			}
			if s.Logger != nil {
				s.Logger.Info("digest cycle done",
					zap.String("frequency", freq),
					zap.Int("users", res.Users),
					zap.Int("empty", res.Empty),
					zap.Int("jobs", res.Jobs),
				)
			}
		})
		if err != nil {
			return fmt.Errorf("register digest %s: %w", freq, err)
		}
	}
	return nil
}

// RunCycle builds the digests of one cycle ending at cycleAt. Each user's
// window starts at their cursor, so a rerun of the same cycle creates nothing.
func (s *Scheduler) RunCycle(ctx context.Context, frequency string, cycleAt time.Time) (CycleResult, error) {
	cycleAt = cycleAt.UTC()
	res := CycleResult{Frequency: frequency, CycleAt: cycleAt}
	if frequency != models.FrequencyDaily && frequency != models.FrequencyWeekly {
		return res, fmt.Errorf("unsupported digest frequency %q", frequency)
	}

	if s.Lock != nil {
		key := "digest:" + frequency
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		ok, err := s.Lock.SetNX(ctx, key, []byte(strconv.FormatInt(cycleAt.Unix(), 10)), ttl)
		if err != nil {
			return res, fmt.Errorf("acquire digest lock: %w", err)
		}
		if !ok {
			return res, ErrCycleLocked
		}
		defer func() { _ = s.Lock.Delete(context.WithoutCancel(ctx), key) }()
	}

	// Realtime (or unset) preferences land in the daily digest when the tier
	// has no realtime delivery.
	frequencies := []string{frequency}
	if frequency == models.FrequencyDaily {
		frequencies = append(frequencies, models.FrequencyRealtime, "")
	}

	for offset := 0; ; offset += pageSize {
		prefs, err := s.Store.ListPreferences(ctx, repository.ListPreferencesParams{
			Limit:       pageSize,
			Offset:      offset,
			Frequencies: frequencies,
		})
		if err != nil {
			return res, fmt.Errorf("list %s preferences: %w", frequency, err)
		}
		for _, pref := range prefs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.runUser(ctx, frequency, cycleAt, pref.UserID, &res); err != nil {
				if s.Logger != nil {
					s.Logger.Warn("digest for user failed", zap.String("user_id", pref.UserID), zap.String("frequency", frequency), zap.Error(err))
				}
			}
		}
		if len(prefs) < pageSize {
			break
		}
	}
	return res, nil
}

func (s *Scheduler) runUser(ctx context.Context, frequency string, cycleAt time.Time, userID string, res *CycleResult) error {
	profile, err := s.Resolver.Profile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Frequency != frequency {
		return nil
	}
	cursor, err := s.Store.GetDigestCursor(ctx, userID, frequency)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	since := cycleAt.Add(-Period(frequency))
	afterID := ""
	if cursor != nil {
		since = cursor.LastDigestAt
		afterID = cursor.LastSignalID
	}
	if !since.Before(cycleAt) {
		return nil
	}
	res.Users++

	channels := profile.Channels()
	tickers, err := s.tickers(ctx, userID)
	if err != nil {
		return err
	}
	limit := s.batchLimit()
	var signals []models.Signal
	if len(channels) > 0 && len(tickers) > 0 {
		signals, err = s.Ledger.ListWindow(ctx, tickers, since, afterID, cycleAt, limit)
		if err != nil {
			return fmt.Errorf("load digest signals: %w", err)
		}
	}
	if len(signals) == 0 {
		res.Empty++
		return s.advance(ctx, userID, frequency, cycleAt, "")
	}

	// A capped batch leaves the rest of the window for the next cycle.
	windowEnd, lastID := cycleAt, ""
	if len(signals) >= limit {
		last := signals[len(signals)-1]
		windowEnd, lastID = last.ReceivedAt, last.ID
	}
	ids := make([]string, len(signals))
	for i, sig := range signals {
		ids[i] = sig.ID
	}
	payload, err := json.Marshal(models.DigestPayload{
		Frequency:   frequency,
		WindowStart: since,
		WindowEnd:   windowEnd,
		SignalIDs:   ids,
	})
	if err != nil {
		return err
	}

	now := clock.Or(s.Clock).Now()
	key := fmt.Sprintf("digest:%s:%s:%d", frequency, userID, cycleAt.Unix())
	inserted := 0
	for _, ch := range channels {
		job := models.NotificationJob{
			ID:            uuid.NewString(),
			Kind:          models.JobKindDigest,
			SignalID:      key,
			UserID:        userID,
			Channel:       ch,
			Address:       profile.Preference.AddressFor(ch),
			State:         models.JobStatePending,
			MaxAttempts:   s.Resolver.Ceiling(ch),
			NextAttemptAt: profile.NextAttempt(ch, now),
			Payload:       payload,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created, err := s.Store.InsertJob(ctx, &job)
		if err != nil {
			return fmt.Errorf("insert digest job: %w", err)
		}
		if !created {
			continue
		}
		inserted++
		if _, err := s.Store.LinkDigestMarkers(ctx, userID, ch, ids, job.ID); err != nil {
			return fmt.Errorf("link digest markers: %w", err)
		}
		if s.Dispatch != nil {
			s.Dispatch.Enqueue(job)
		}
		res.Jobs++
	}
	if inserted == 0 {
		// This cycle's digest already exists; the rest waits for the next cycle.
		return nil
	}
	return s.advance(ctx, userID, frequency, windowEnd, lastID)
}

// batchLimit is the per-digest signal cap. Repositories page at most 1000 rows.
func (s *Scheduler) batchLimit() int {
	switch {
	case s.MaxSignals <= 0:
		return 200
	case s.MaxSignals > 1000:
		return 1000
	}
	return s.MaxSignals
}

func (s *Scheduler) tickers(ctx context.Context, userID string) ([]string, error) {
	subs, err := s.Store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.Active {
			out = append(out, sub.Ticker)
		}
	}
	return out, nil
}

func (s *Scheduler) advance(ctx context.Context, userID, frequency string, at time.Time, lastID string) error {
	if err := s.Store.SaveDigestCursor(ctx, &models.DigestCursor{
		UserID:       userID,
		Frequency:    frequency,
		LastDigestAt: at,
		LastSignalID: lastID,
	}); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
