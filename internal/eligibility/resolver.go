// Package eligibility decides which (user, channel) deliveries a signal earns
// and when they may be attempted.
package eligibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalrelay/internal/clock"
	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

// Profile is everything known about a recipient at decision time.
type Profile struct {
	UserID     string
	Tier       Tier
	Preference *models.NotificationPreference
	Frequency  string
	Location   *time.Location
	Quiet      QuietWindow
}

// Channels returns the channels the profile may receive on: allowed by the
// tier, enabled in the preference and with a contact address.
func (p Profile) Channels() []string {
	if p.Preference == nil {
		return nil
	}
	enabled := map[string]struct{}{}
	for _, ch := range p.Preference.EnabledChannels() {
		enabled[ch] = struct{}{}
	}
	out := make([]string, 0, len(enabled))
	for _, ch := range models.AllChannels {
		if _, ok := enabled[ch]; !ok || !p.Tier.Allows(ch) {
			continue
		}
		if p.Preference.AddressFor(ch) == "" {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (p Profile) Allows(channel string) bool {
	for _, ch := range p.Channels() {
		if ch == channel {
			return true
		}
	}
	return false
}

// NextAttempt applies quiet hours for interrupting channels.
func (p Profile) NextAttempt(channel string, now time.Time) time.Time {
	if !models.IsInterrupting(channel) {
		return now
	}
	if until, ok := p.Quiet.Deferral(now, p.Location); ok {
		return until
	}
	return now
}

// EffectiveFrequency normalizes a preference frequency against the tier. A
// realtime preference on a tier without realtime becomes a daily digest.
func EffectiveFrequency(tier Tier, pref *models.NotificationPreference) string {
	freq := models.FrequencyRealtime
	if pref != nil {
		switch f := strings.ToLower(strings.TrimSpace(pref.Frequency)); f {
		case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyNever:
			freq = f
		}
	}
	if freq == models.FrequencyRealtime && !tier.Realtime {
		return models.FrequencyDaily
	}
	return freq
}

type Plan struct {
	SignalID string
	Jobs     []models.NotificationJob
	// Skipped counts subscribers that yielded no job.
	Skipped int
	// Failed counts subscribers whose profile could not be loaded; the
	// catch-up pass plans them again.
	Failed int
}

type Resolver struct {
	Accounts repository.AccountRepository
	Tiers    Tiers
	// Ceilings is the per-channel attempt ceiling stamped on new jobs.
	Ceilings map[string]int
	Clock    clock.Clock
	Logger   *zap.Logger
}

func (r *Resolver) Profile(ctx context.Context, userID string) (Profile, error) {
	account, err := r.Accounts.GetAccount(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("load account %s: %w", userID, err)
	}
	pref, err := r.Accounts.GetPreference(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("load preference %s: %w", userID, err)
	}
	tierName := ""
	if account != nil {
		tierName = account.Tier
	}
	p := Profile{
		UserID:     userID,
		Tier:       r.Tiers.Lookup(tierName),
		Preference: pref,
		Location:   time.UTC,
	}
	p.Frequency = EffectiveFrequency(p.Tier, pref)
	if pref != nil {
		p.Location = LoadLocation(pref.Timezone)
		quiet, err := ParseQuietWindow(pref.QuietStart, pref.QuietEnd)
		if err != nil && r.Logger != nil {
			r.Logger.Warn("ignoring malformed quiet hours", zap.String("user_id", userID), zap.Error(err))
		}
		p.Quiet = quiet
	}
	return p, nil
}

// Plan builds the jobs a new signal earns. Realtime recipients get pending
// jobs; digest recipients get queued_for_digest markers.
func (r *Resolver) Plan(ctx context.Context, sig models.Signal) (Plan, error) {
	plan := Plan{SignalID: sig.ID}
	if r == nil || r.Accounts == nil {
		return plan, nil
	}
	subs, err := r.Accounts.ListSubscribers(ctx, sig.Ticker)
	if err != nil {
		return plan, fmt.Errorf("list subscribers %s: %w", sig.Ticker, err)
	}
	now := clock.Or(r.Clock).Now()
	seen := map[string]struct{}{}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if _, dup := seen[sub.UserID]; dup {
			continue
		}
		seen[sub.UserID] = struct{}{}

		profile, err := r.Profile(ctx, sub.UserID)
		if err != nil {
			plan.Failed++
			if r.Logger != nil {
				r.Logger.Warn("skipping subscriber, profile unavailable",
					zap.String("signal_id", sig.ID), zap.String("user_id", sub.UserID), zap.Error(err))
			}
			continue
		}
		jobs := r.jobsFor(profile, sig, now)
		if len(jobs) == 0 {
			plan.Skipped++
			continue
		}
		plan.Jobs = append(plan.Jobs, jobs...)
	}
	return plan, nil
}

func (r *Resolver) jobsFor(p Profile, sig models.Signal, now time.Time) []models.NotificationJob {
	if p.Frequency == models.FrequencyNever {
		return nil
	}
	channels := p.Channels()
	out := make([]models.NotificationJob, 0, len(channels))
	for _, ch := range channels {
		job := models.NotificationJob{
			ID:            uuid.NewString(),
			Kind:          models.JobKindSignal,
			SignalID:      sig.ID,
			UserID:        p.UserID,
			Channel:       ch,
			Address:       p.Preference.AddressFor(ch),
			MaxAttempts:   r.Ceiling(ch),
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if p.Frequency == models.FrequencyRealtime {
			job.State = models.JobStatePending
			job.NextAttemptAt = p.NextAttempt(ch, now)
		} else {
			job.State = models.JobStateQueuedForDigest
		}
		out = append(out, job)
	}
	return out
}

// Ceiling is the attempt ceiling stamped on new jobs for channel.
func (r *Resolver) Ceiling(channel string) int {
	if n, ok := r.Ceilings[channel]; ok && n > 0 {
		return n
	}
	return 3
}

type VerdictAction int

const (
	Proceed VerdictAction = iota
	Cancel
	Defer
)

type Verdict struct {
	Action VerdictAction
	Until  time.Time
	Reason string
}

// Recheck re-evaluates a claimed job right before it is sent. A removed
// subscription does not stop a job already created.
func (r *Resolver) Recheck(ctx context.Context, job models.NotificationJob) (Verdict, error) {
	if r == nil || r.Accounts == nil {
		return Verdict{Action: Proceed}, nil
	}
	p, err := r.Profile(ctx, job.UserID)
	if err != nil {
		return Verdict{}, err
	}
	if !p.Allows(job.Channel) {
		return Verdict{Action: Cancel, Reason: "channel no longer enabled for user"}, nil
	}
	switch job.Kind {
	case models.JobKindDigest:
		if p.Frequency == models.FrequencyNever {
			return Verdict{Action: Cancel, Reason: "user opted out of notifications"}, nil
		}
	default:
		if p.Frequency != models.FrequencyRealtime {
			return Verdict{Action: Cancel, Reason: "user no longer on realtime delivery"}, nil
		}
	}
	now := clock.Or(r.Clock).Now()
	if next := p.NextAttempt(job.Channel, now); next.After(now) {
		return Verdict{Action: Defer, Until: next, Reason: "quiet hours"}, nil
	}
	return Verdict{Action: Proceed}, nil
}
