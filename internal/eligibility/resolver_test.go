package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/models"
	"signalrelay/internal/repository/memory"
)

func defaultTiers() Tiers {
	return NewTiers(map[string]config.TierConfig{
		"free":    {Channels: []string{"email"}, Realtime: false},
		"basic":   {Channels: []string{"email", "push"}, Realtime: true},
		"premium": {Channels: []string{"email", "push", "chat"}, Realtime: true},
		"pro":     {Channels: []string{"email", "sms", "push", "chat"}, Realtime: true},
	})
}

func allContacts(userID string, channels ...string) models.NotificationPreference {
	return models.NotificationPreference{
		UserID:    userID,
		Channels:  models.ChannelsJSON(channels...),
		Frequency: models.FrequencyRealtime,
		Email:     userID + "@example.com",
		Phone:     "+15550000000",
		PushToken: "token-" + userID,
		ChatID:    "1001",
	}
}

func newResolver(repo *memory.Store, now time.Time) *Resolver {
	return &Resolver{
		Accounts: repo,
		Tiers:    defaultTiers(),
		Ceilings: map[string]int{"email": 5, "sms": 3, "push": 4, "chat": 4},
		Clock:    clock.NewManual(now),
	}
}

func jobsByChannel(jobs []models.NotificationJob) map[string]models.NotificationJob {
	out := map[string]models.NotificationJob{}
	for _, j := range jobs {
		out[j.Channel] = j
	}
	return out
}

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPlan_TierGatesChannels(t *testing.T) {
	repo := memory.New()
	repo.AddSubscription("u1", "BTCUSDT", true)
	repo.PutAccount(models.UserAccount{UserID: "u1", Tier: "premium"})
	repo.PutPreference(allContacts("u1", "email", "sms", "push", "chat"))

	plan, err := newResolver(repo, noon).Plan(context.Background(), models.Signal{ID: "s1", Ticker: "BTCUSDT"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := jobsByChannel(plan.Jobs)
	if _, ok := got["sms"]; ok {
		t.Fatalf("premium tier must not get sms")
	}
	for _, ch := range []string{"email", "push", "chat"} {
		job, ok := got[ch]
		if !ok {
			t.Fatalf("missing %s job", ch)
		}
		if job.State != models.JobStatePending || !job.NextAttemptAt.Equal(noon) {
			t.Fatalf("%s job=%+v", ch, job)
		}
	}
	if got["email"].MaxAttempts != 5 || got["push"].MaxAttempts != 4 {
		t.Fatalf("ceilings email=%d push=%d", got["email"].MaxAttempts, got["push"].MaxAttempts)
	}
}

func TestPlan_PreferenceAndAddressNarrowChannels(t *testing.T) {
	repo := memory.New()
	repo.AddSubscription("u1", "BTCUSDT", true)
	repo.PutAccount(models.UserAccount{UserID: "u1", Tier: "pro"})
	pref := allContacts("u1", "email", "sms")
	pref.Phone = ""
	repo.PutPreference(pref)

	plan, _ := newResolver(repo, noon).Plan(context.Background(), models.Signal{ID: "s1", Ticker: "BTCUSDT"})
	if len(plan.Jobs) != 1 || plan.Jobs[0].Channel != "email" {
		t.Fatalf("jobs=%+v", plan.Jobs)
	}
}

func TestPlan_FrequencyHandling(t *testing.T) {
	repo := memory.New()
	for _, u := range []string{"never", "daily", "freeRealtime", "unknownTier"} {
		repo.AddSubscription(u, "ETHUSDT", true)
	}
	repo.AddSubscription("gone", "ETHUSDT", false)

	never := allContacts("never", "email")
	never.Frequency = models.FrequencyNever
	repo.PutAccount(models.UserAccount{UserID: "never", Tier: "pro"})
	repo.PutPreference(never)

	daily := allContacts("daily", "email", "push")
	daily.Frequency = models.FrequencyDaily
	repo.PutAccount(models.UserAccount{UserID: "daily", Tier: "basic"})
	repo.PutPreference(daily)

	repo.PutAccount(models.UserAccount{UserID: "freeRealtime", Tier: "free"})
	repo.PutPreference(allContacts("freeRealtime", "email", "push"))

	repo.PutAccount(models.UserAccount{UserID: "unknownTier", Tier: "platinum"})
	repo.PutPreference(allContacts("unknownTier", "email", "sms"))

	repo.PutPreference(allContacts("gone", "email"))

	plan, err := newResolver(repo, noon).Plan(context.Background(), models.Signal{ID: "s1", Ticker: "ETHUSDT"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	byUser := map[string][]models.NotificationJob{}
	for _, j := range plan.Jobs {
		byUser[j.UserID] = append(byUser[j.UserID], j)
	}
	if len(byUser["never"]) != 0 || len(byUser["gone"]) != 0 {
		t.Fatalf("never/inactive users got jobs: %+v", byUser)
	}
	if len(byUser["daily"]) != 2 {
		t.Fatalf("daily jobs=%+v", byUser["daily"])
	}
	for _, j := range byUser["daily"] {
		if j.State != models.JobStateQueuedForDigest {
			t.Fatalf("daily job state=%s", j.State)
		}
	}
	// free tier has no realtime and only email
	if f := byUser["freeRealtime"]; len(f) != 1 || f[0].Channel != "email" || f[0].State != models.JobStateQueuedForDigest {
		t.Fatalf("free jobs=%+v", f)
	}
	// unknown tier falls back to free
	if u := byUser["unknownTier"]; len(u) != 1 || u[0].Channel != "email" {
		t.Fatalf("unknown tier jobs=%+v", u)
	}
	if plan.Skipped != 1 {
		t.Fatalf("skipped=%d want 1", plan.Skipped)
	}
}

func TestPlan_QuietHoursDeferInterruptingChannelsOnly(t *testing.T) {
	repo := memory.New()
	repo.AddSubscription("u1", "BTCUSDT", true)
	repo.PutAccount(models.UserAccount{UserID: "u1", Tier: "pro"})
	pref := allContacts("u1", "email", "sms", "push", "chat")
	pref.QuietStart, pref.QuietEnd = "22:00", "07:00"
	repo.PutPreference(pref)

	night := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	end := time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC)
	plan, _ := newResolver(repo, night).Plan(context.Background(), models.Signal{ID: "s1", Ticker: "BTCUSDT"})
	got := jobsByChannel(plan.Jobs)
	if len(got) != 4 {
		t.Fatalf("jobs=%d want 4 (quiet hours delay, never drop)", len(got))
	}
	if !got["email"].NextAttemptAt.Equal(night) {
		t.Fatalf("email deferred to %s", got["email"].NextAttemptAt)
	}
	for _, ch := range []string{"sms", "push", "chat"} {
		if got[ch].NextAttemptAt.Before(end) {
			t.Fatalf("%s nextAttemptAt=%s before window end %s", ch, got[ch].NextAttemptAt, end)
		}
		if got[ch].State != models.JobStatePending {
			t.Fatalf("%s state=%s", ch, got[ch].State)
		}
	}
}

func TestRecheck(t *testing.T) {
	repo := memory.New()
	repo.AddSubscription("u1", "BTCUSDT", true)
	repo.PutAccount(models.UserAccount{UserID: "u1", Tier: "pro"})
	repo.PutPreference(allContacts("u1", "email", "sms"))
	r := newResolver(repo, noon)
	ctx := context.Background()
	job := models.NotificationJob{Kind: models.JobKindSignal, UserID: "u1", Channel: "sms"}

	if v, _ := r.Recheck(ctx, job); v.Action != Proceed {
		t.Fatalf("verdict=%+v want proceed", v)
	}

	// subscription removal does not stop in-flight jobs
	repo.RemoveSubscription("u1", "BTCUSDT")
	if v, _ := r.Recheck(ctx, job); v.Action != Proceed {
		t.Fatalf("verdict=%+v want proceed after unsubscribe", v)
	}

	quiet := allContacts("u1", "email", "sms")
	quiet.QuietStart, quiet.QuietEnd = "11:00", "13:00"
	repo.PutPreference(quiet)
	v, _ := r.Recheck(ctx, job)
	if v.Action != Defer || !v.Until.Equal(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("verdict=%+v want defer to 13:00", v)
	}

	repo.PutPreference(allContacts("u1", "email"))
	if v, _ := r.Recheck(ctx, job); v.Action != Cancel {
		t.Fatalf("verdict=%+v want cancel for disabled channel", v)
	}

	daily := allContacts("u1", "email", "sms")
	daily.Frequency = models.FrequencyDaily
	repo.PutPreference(daily)
	if v, _ := r.Recheck(ctx, job); v.Action != Cancel {
		t.Fatalf("verdict=%+v want cancel after frequency change", v)
	}
	digest := job
	digest.Kind = models.JobKindDigest
	if v, _ := r.Recheck(ctx, digest); v.Action != Proceed {
		t.Fatalf("digest verdict=%+v want proceed", v)
	}
}

func TestEffectiveFrequency(t *testing.T) {
	tiers := defaultTiers()
	pref := &models.NotificationPreference{Frequency: "WEEKLY"}
	if f := EffectiveFrequency(tiers.Lookup("pro"), pref); f != models.FrequencyWeekly {
		t.Fatalf("f=%s", f)
	}
	if f := EffectiveFrequency(tiers.Lookup("free"), &models.NotificationPreference{}); f != models.FrequencyDaily {
		t.Fatalf("free realtime f=%s want daily", f)
	}
	if f := EffectiveFrequency(tiers.Lookup("basic"), nil); f != models.FrequencyRealtime {
		t.Fatalf("nil pref f=%s", f)
	}
}

type brokenPreference struct {
	*memory.Store
	userID string
}

func (b brokenPreference) GetPreference(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	if userID == b.userID {
		return nil, errors.New("account store timeout")
	}
	return b.Store.GetPreference(ctx, userID)
}

func TestPlan_UnreadableProfileSkipsOnlyThatUser(t *testing.T) {
	repo := memory.New()
	for _, u := range []string{"u1", "u2"} {
		repo.AddSubscription(u, "BTCUSDT", true)
		repo.PutAccount(models.UserAccount{UserID: u, Tier: "pro"})
		repo.PutPreference(allContacts(u, "email"))
	}
	r := newResolver(repo, noon)
	r.Accounts = brokenPreference{Store: repo, userID: "u1"}

	plan, err := r.Plan(context.Background(), models.Signal{ID: "s1", Ticker: "BTCUSDT"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Failed != 1 || len(plan.Jobs) != 1 || plan.Jobs[0].UserID != "u2" {
		t.Fatalf("plan=%+v", plan)
	}
}
