package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/eligibility"
	"signalrelay/internal/ledger"
	"signalrelay/internal/models"
	"signalrelay/internal/notification"
	"signalrelay/internal/repository"
	"signalrelay/internal/repository/memory"
)

type fakeProvider struct {
	mu      sync.Mutex
	channel string
	calls   int
	sent    []notification.Message
	outcome func(n int) notification.Outcome
}

func (f *fakeProvider) Channel() string { return f.channel }

func (f *fakeProvider) Send(_ context.Context, msg notification.Message) notification.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, msg)
	if f.outcome == nil {
		return notification.Delivered()
	}
	return f.outcome(f.calls)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func alwaysFail(int) notification.Outcome {
	return notification.Failed(errors.New("gateway timeout"))
}

type fakeSink struct {
	mu   sync.Mutex
	jobs []models.NotificationJob
}

func (s *fakeSink) DeadLettered(_ context.Context, job models.NotificationJob, _ string) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

type fixedChecker struct {
	verdict eligibility.Verdict
}

func (c fixedChecker) Recheck(context.Context, models.NotificationJob) (eligibility.Verdict, error) {
	return c.verdict, nil
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.Store
	clock *clock.Manual
	sink  *fakeSink
	disp  *Dispatcher
}

func policy(maxAttempts, breakerFailures int) config.ChannelPolicy {
	return config.ChannelPolicy{
		Workers:         1,
		MaxAttempts:     maxAttempts,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		SendTimeout:     time.Second,
		BreakerFailures: breakerFailures,
		BreakerCooldown: time.Hour,
	}
}

func newHarness(t *testing.T, policies map[string]config.ChannelPolicy, providers map[string]notification.Provider) *harness {
	t.Helper()
	h := &harness{store: memory.New(), clock: clock.NewManual(t0), sink: &fakeSink{}}
	h.disp = New(Options{
		Config:    config.DispatchConfig{Channels: policies},
		Providers: providers,
		Jobs:      h.store,
		Composer:  Composer{Signals: ledger.New(h.store)},
		Sink:      h.sink,
		Clock:     h.clock,
	})
	_, _ = h.store.AppendSignal(context.Background(), &models.Signal{
		ID: "sig-1", Ticker: "BTCUSDT", Action: models.ActionBuy,
		Price: decimal.RequireFromString("42000"), Timeframe: "1h", Source: models.SourceWebhook,
		OccurredAt: t0, ReceivedAt: t0,
	})
	return h
}

func (h *harness) addJob(t *testing.T, id, user, channel string, maxAttempts int) {
	t.Helper()
	job := models.NotificationJob{
		ID: id, Kind: models.JobKindSignal, SignalID: "sig-1", UserID: user, Channel: channel,
		Address: "addr-" + user, State: models.JobStatePending, MaxAttempts: maxAttempts, NextAttemptAt: h.clock.Now(),
	}
	if ok, err := h.store.InsertJob(context.Background(), &job); !ok || err != nil {
		t.Fatalf("insert %s ok=%v err=%v", id, ok, err)
	}
	h.disp.Enqueue(job)
}

func (h *harness) job(t *testing.T, id string) models.NotificationJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return *job
}

func TestSMSCeilingDeadLettersWithoutTouchingEmail(t *testing.T) {
	sms := &fakeProvider{channel: "sms", outcome: alwaysFail}
	email := &fakeProvider{channel: "email"}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"sms": policy(3, 10), "email": policy(5, 10)},
		map[string]notification.Provider{"sms": sms, "email": email},
	)
	h.addJob(t, "job-sms", "u1", "sms", 3)
	h.addJob(t, "job-email", "u1", "email", 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.disp.ProcessDue(ctx)
		h.clock.Advance(2 * time.Minute)
	}

	smsJob := h.job(t, "job-sms")
	if smsJob.State != models.JobStateDeadLettered || smsJob.Attempts != 3 {
		t.Fatalf("sms job state=%s attempts=%d", smsJob.State, smsJob.Attempts)
	}
	if sms.Calls() != 3 {
		t.Fatalf("sms calls=%d want 3", sms.Calls())
	}
	if len(h.sink.jobs) != 1 || h.sink.jobs[0].ID != "job-sms" {
		t.Fatalf("dead letters=%+v", h.sink.jobs)
	}
	emailJob := h.job(t, "job-email")
	if emailJob.State != models.JobStateDelivered || emailJob.Attempts != 1 || emailJob.DeliveredAt == nil {
		t.Fatalf("email job=%+v", emailJob)
	}
}

func TestRetryScheduleGrows(t *testing.T) {
	sms := &fakeProvider{channel: "sms", outcome: alwaysFail}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"sms": policy(5, 10)},
		map[string]notification.Provider{"sms": sms},
	)
	h.addJob(t, "job-sms", "u1", "sms", 5)
	ctx := context.Background()

	var prevDelay time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		now := h.clock.Now()
		if n := h.disp.ProcessDue(ctx); n != 1 {
			t.Fatalf("attempt %d processed=%d", attempt, n)
		}
		job := h.job(t, "job-sms")
		if job.State != models.JobStateFailed || job.Attempts != attempt {
			t.Fatalf("attempt %d job state=%s attempts=%d", attempt, job.State, job.Attempts)
		}
		delay := job.NextAttemptAt.Sub(now)
		if delay < prevDelay {
			t.Fatalf("delay shrank: %s after %s", delay, prevDelay)
		}
		prevDelay = delay
		if n := h.disp.ProcessDue(ctx); n != 0 {
			t.Fatalf("job retried before its next attempt time")
		}
		h.clock.Set(job.NextAttemptAt)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	push := &fakeProvider{channel: "push", outcome: alwaysFail}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"push": policy(10, 2)},
		map[string]notification.Provider{"push": push},
	)
	h.addJob(t, "j1", "u1", "push", 10)
	h.addJob(t, "j2", "u2", "push", 10)
	h.addJob(t, "j3", "u3", "push", 10)

	h.disp.ProcessDue(context.Background())

	if push.Calls() != 2 {
		t.Fatalf("provider calls=%d want 2 (breaker should stop the third)", push.Calls())
	}
	j3 := h.job(t, "j3")
	if j3.State != models.JobStateFailed || j3.Attempts != 0 {
		t.Fatalf("j3 state=%s attempts=%d want failed/0", j3.State, j3.Attempts)
	}
	if !j3.NextAttemptAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("j3 next=%s want cooldown end", j3.NextAttemptAt)
	}
	if j3.LastError == nil || *j3.LastError != ErrCircuitOpen.Error() {
		t.Fatalf("j3 lastError=%v", j3.LastError)
	}

	var status BreakerStatus
	for _, b := range h.disp.Breakers() {
		if b.Channel == "push" {
			status = b
		}
	}
	if status.State != "open" {
		t.Fatalf("push breaker=%+v", status)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	chat := &fakeProvider{channel: "chat", outcome: func(int) notification.Outcome {
		return notification.PermanentFailure(errors.New("chat not found"))
	}}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"chat": policy(4, 1)},
		map[string]notification.Provider{"chat": chat},
	)
	h.addJob(t, "j1", "u1", "chat", 4)
	h.addJob(t, "j2", "u2", "chat", 4)
	h.disp.ProcessDue(context.Background())

	for _, id := range []string{"j1", "j2"} {
		job := h.job(t, id)
		if job.State != models.JobStateDeadLettered || job.Attempts != 1 {
			t.Fatalf("%s state=%s attempts=%d", id, job.State, job.Attempts)
		}
	}
	// a recipient problem does not trip the channel breaker
	if chat.Calls() != 2 {
		t.Fatalf("calls=%d want 2", chat.Calls())
	}
}

func TestTerminalJobsAreNotResent(t *testing.T) {
	email := &fakeProvider{channel: "email"}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"email": policy(5, 5)},
		map[string]notification.Provider{"email": email},
	)
	h.addJob(t, "j1", "u1", "email", 5)
	ctx := context.Background()
	h.disp.ProcessDue(ctx)

	job := h.job(t, "j1")
	if job.State != models.JobStateDelivered {
		t.Fatalf("state=%s", job.State)
	}
	h.disp.Enqueue(models.NotificationJob{ID: "j1", Channel: "email", State: models.JobStateFailed, NextAttemptAt: t0})
	h.disp.ProcessDue(ctx)
	if _, err := h.disp.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	h.disp.ProcessDue(ctx)
	if email.Calls() != 1 {
		t.Fatalf("calls=%d want 1", email.Calls())
	}
	if h.job(t, "j1").State != models.JobStateDelivered {
		t.Fatalf("delivered job regressed")
	}
}

func TestRecheckCancelAndDefer(t *testing.T) {
	sms := &fakeProvider{channel: "sms"}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"sms": policy(3, 5)},
		map[string]notification.Provider{"sms": sms},
	)
	pool, _ := h.disp.Pool("sms")
	ctx := context.Background()

	until := t0.Add(7 * time.Hour)
	pool.Checker = fixedChecker{verdict: eligibility.Verdict{Action: eligibility.Defer, Until: until}}
	h.addJob(t, "j1", "u1", "sms", 3)
	h.disp.ProcessDue(ctx)
	job := h.job(t, "j1")
	if job.State != models.JobStatePending || !job.NextAttemptAt.Equal(until) || job.Attempts != 0 {
		t.Fatalf("deferred job=%+v", job)
	}

	pool.Checker = fixedChecker{verdict: eligibility.Verdict{Action: eligibility.Cancel, Reason: "channel disabled"}}
	h.clock.Set(until)
	h.disp.ProcessDue(ctx)
	job = h.job(t, "j1")
	if job.State != models.JobStateCancelled {
		t.Fatalf("state=%s want cancelled", job.State)
	}
	if sms.Calls() != 0 {
		t.Fatalf("provider called %d times", sms.Calls())
	}
}

func TestRecoverStaleSendingAndPoll(t *testing.T) {
	email := &fakeProvider{channel: "email"}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"email": policy(5, 5)},
		map[string]notification.Provider{"email": email},
	)
	ctx := context.Background()
	stuck := models.NotificationJob{
		ID: "j1", Kind: models.JobKindSignal, SignalID: "sig-1", UserID: "u1", Channel: "email",
		Address: "u1@example.com", State: models.JobStateSending, MaxAttempts: 5,
		NextAttemptAt: t0, UpdatedAt: t0.Add(-time.Hour),
	}
	_, _ = h.store.InsertJob(ctx, &stuck)

	if n, err := h.disp.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recovered=%d err=%v", n, err)
	}
	if n, err := h.disp.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("polled=%d err=%v", n, err)
	}
	h.disp.ProcessDue(ctx)
	if job := h.job(t, "j1"); job.State != models.JobStateDelivered {
		t.Fatalf("state=%s", job.State)
	}
}

func TestDigestDeliverySettlesMarkers(t *testing.T) {
	email := &fakeProvider{channel: "email"}
	h := newHarness(t,
		map[string]config.ChannelPolicy{"email": policy(5, 5)},
		map[string]notification.Provider{"email": email},
	)
	ctx := context.Background()
	_, _ = h.store.InsertJob(ctx, &models.NotificationJob{
		ID: "m1", Kind: models.JobKindSignal, SignalID: "sig-1", UserID: "u1", Channel: "email",
		State: models.JobStateQueuedForDigest, NextAttemptAt: t0,
	})
	payload, _ := json.Marshal(models.DigestPayload{
		Frequency: models.FrequencyDaily, WindowStart: t0.Add(-24 * time.Hour), WindowEnd: t0,
		SignalIDs: []string{"sig-1"},
	})
	digest := models.NotificationJob{
		ID: "d1", Kind: models.JobKindDigest, SignalID: "digest:daily:u1:1", UserID: "u1", Channel: "email",
		Address: "u1@example.com", State: models.JobStatePending, MaxAttempts: 5, NextAttemptAt: t0, Payload: payload,
	}
	_, _ = h.store.InsertJob(ctx, &digest)
	_, _ = h.store.LinkDigestMarkers(ctx, "u1", "email", []string{"sig-1"}, "d1")
	h.disp.Enqueue(digest)
	h.disp.ProcessDue(ctx)

	if job := h.job(t, "d1"); job.State != models.JobStateDelivered {
		t.Fatalf("digest state=%s", job.State)
	}
	if m := h.job(t, "m1"); m.State != models.JobStateDelivered {
		t.Fatalf("marker state=%s want delivered", m.State)
	}
	if len(email.sent) != 1 || email.sent[0].Data["type"] != "digest" || email.sent[0].Data["count"] != "1" {
		t.Fatalf("sent=%+v", email.sent)
	}
}

func TestRunDeliversInBackground(t *testing.T) {
	email := &fakeProvider{channel: "email"}
	store := memory.New()
	disp := New(Options{
		Config:    config.DispatchConfig{Channels: map[string]config.ChannelPolicy{"email": policy(5, 5)}},
		Providers: map[string]notification.Provider{"email": email},
		Jobs:      store,
		Composer:  Composer{Signals: ledger.New(store)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	now := time.Now().UTC()
	_, _ = store.AppendSignal(ctx, &models.Signal{ID: "s1", Ticker: "ETHUSDT", Action: models.ActionSell, Price: decimal.NewFromInt(3000), Timeframe: "4h", OccurredAt: now, ReceivedAt: now})
	job := models.NotificationJob{ID: "j1", Kind: models.JobKindSignal, SignalID: "s1", UserID: "u1", Channel: "email", Address: "a@b.c", State: models.JobStatePending, MaxAttempts: 5, NextAttemptAt: now}
	_, _ = store.InsertJob(ctx, &job)
	disp.Enqueue(job)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := store.GetJob(ctx, "j1"); got != nil && got.State == models.JobStateDelivered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, _ := store.GetJob(context.Background(), "j1"); got.State != models.JobStateDelivered {
		t.Fatalf("state=%s", got.State)
	}
}

// cancelAwareJobs fails writes on a cancelled context, as a database driver does.
type cancelAwareJobs struct {
	*memory.Store
}

func (c cancelAwareJobs) UpdateJob(ctx context.Context, id string, from []string, update repository.JobUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.Store.UpdateJob(ctx, id, from, update)
}

type gatedProvider struct {
	once    sync.Once
	started chan struct{}
	proceed chan struct{}
}

func (g *gatedProvider) Channel() string { return "email" }

func (g *gatedProvider) Send(ctx context.Context, _ notification.Message) notification.Outcome {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.proceed:
		return notification.Delivered()
	case <-ctx.Done():
		return notification.Failed(ctx.Err())
	}
}

func TestShutdownMidSendRecordsOutcome(t *testing.T) {
	store := memory.New()
	provider := &gatedProvider{started: make(chan struct{}), proceed: make(chan struct{})}
	disp := New(Options{
		Config:    config.DispatchConfig{Channels: map[string]config.ChannelPolicy{"email": policy(5, 5)}},
		Providers: map[string]notification.Provider{"email": provider},
		Jobs:      cancelAwareJobs{store},
		Composer:  Composer{Signals: ledger.New(store)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	now := time.Now().UTC()
	_, _ = store.AppendSignal(ctx, &models.Signal{ID: "s1", Ticker: "BTCUSDT", Action: models.ActionBuy, Price: decimal.NewFromInt(1), Timeframe: "1h", OccurredAt: now, ReceivedAt: now})
	job := models.NotificationJob{ID: "j1", Kind: models.JobKindSignal, SignalID: "s1", UserID: "u1", Channel: "email", Address: "a@b.c", State: models.JobStatePending, MaxAttempts: 5, NextAttemptAt: now}
	_, _ = store.InsertJob(ctx, &job)
	disp.Enqueue(job)

	select {
	case <-provider.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("send never started")
	}
	cancel()
	close(provider.proceed)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	got, _ := store.GetJob(context.Background(), "j1")
	if got.State != models.JobStateDelivered || got.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d want delivered after 1", got.State, got.Attempts)
	}
}
