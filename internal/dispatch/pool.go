package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/eligibility"
	"signalrelay/internal/models"
	"signalrelay/internal/notification"
	"signalrelay/internal/repository"
)

// Rechecker re-evaluates eligibility right before a send.
type Rechecker interface {
	Recheck(ctx context.Context, job models.NotificationJob) (eligibility.Verdict, error)
}

// MessageComposer renders a job into a provider message.
type MessageComposer interface {
	Compose(ctx context.Context, job models.NotificationJob) (notification.Message, error)
}

// Pool delivers jobs of one channel. Workers pull due job ids from the ready
// queue; every state change is a compare-and-set in the job store.
type Pool struct {
	Channel  string
	Policy   config.ChannelPolicy
	Provider notification.Provider
	Jobs     repository.JobRepository
	Composer MessageComposer
	Checker  Rechecker
	Sink     DeadLetterSink
	Clock    clock.Clock
	Logger   *zap.Logger

	queue   *ReadyQueue
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	retry   RetryPolicy
}

func NewPool(channel string, policy config.ChannelPolicy, provider notification.Provider, jobs repository.JobRepository, logger *zap.Logger) *Pool {
	if policy.Workers <= 0 {
		policy.Workers = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = 10 * time.Second
	}
	if logger != nil {
		logger = logger.Named("dispatch").With(zap.String("channel", channel))
	}
	limit := rate.Inf
	if policy.RatePerSecond > 0 {
		limit = rate.Limit(policy.RatePerSecond)
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = policy.Workers
	}
	return &Pool{
		Channel:  channel,
		Policy:   policy,
		Provider: provider,
		Jobs:     jobs,
		Logger:   logger,
		queue:    NewReadyQueue(),
		breaker:  newBreaker(channel, policy.BreakerFailures, policy.BreakerCooldown, logger),
		limiter:  rate.NewLimiter(limit, burst),
		retry:    NewRetryPolicy(policy),
	}
}

// Enqueue schedules a job id for delivery at or after at.
func (p *Pool) Enqueue(id string, at time.Time) {
	if p.queue.Push(id, at) {
		queueDepth.WithLabelValues(p.Channel).Set(float64(p.queue.Len()))
	}
}

func (p *Pool) QueueLen() int { return p.queue.Len() }

func (p *Pool) Breaker() BreakerStatus {
	counts := p.breaker.Counts()
	return BreakerStatus{
		Channel:             p.Channel,
		State:               p.breaker.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
	}
}

// Run feeds due jobs to Policy.Workers goroutines until ctx is done, then
// waits for in-flight sends to finish.
func (p *Pool) Run(ctx context.Context) error {
	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.Policy.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				p.process(ctx, id)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	for {
		now := clock.Or(p.Clock).Now()
		if id, ok := p.queue.PopDue(now); ok {
			queueDepth.WithLabelValues(p.Channel).Set(float64(p.queue.Len()))
			select {
			case work <- id:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := time.Second
		if next, ok := p.queue.Next(); ok {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.queue.Notify():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ProcessDue delivers every job that is due now, one at a time, and returns
// how many were taken off the queue.
func (p *Pool) ProcessDue(ctx context.Context) int {
	n := 0
	for {
		id, ok := p.queue.PopDue(clock.Or(p.Clock).Now())
		if !ok {
			return n
		}
		p.process(ctx, id)
		n++
	}
}

func (p *Pool) process(ctx context.Context, id string) {
	job, err := p.Jobs.GetJob(ctx, id)
	if err != nil {
		p.warn("load job failed", id, err)
		return
	}
	if job == nil || models.IsTerminalJobState(job.State) {
		return
	}
	now := clock.Or(p.Clock).Now()
	claimed, err := p.Jobs.ClaimJob(ctx, id, now)
	if err != nil {
		p.warn("claim job failed", id, err)
		return
	}
	if !claimed {
		// Not due yet (deferred since it was queued) or another worker has it.
		if (job.State == models.JobStatePending || job.State == models.JobStateFailed) && job.NextAttemptAt.After(now) {
			p.Enqueue(id, job.NextAttemptAt)
		}
		return
	}
	job.State = models.JobStateSending
	// Once claimed, the job's outcome is recorded even if ctx is cancelled
	// meanwhile, so shutdown never strands it in sending.
	persist := context.WithoutCancel(ctx)

	if p.Checker != nil {
		verdict, err := p.Checker.Recheck(ctx, *job)
		if err != nil {
			p.release(ctx, job, now, fmt.Errorf("eligibility recheck: %w", err))
			return
		}
		switch verdict.Action {
		case eligibility.Cancel:
			p.cancel(persist, job, now, verdict.Reason)
			return
		case eligibility.Defer:
			p.deferUntil(persist, job, now, verdict.Until)
			return
		}
	}

	msg, err := p.Composer.Compose(ctx, *job)
	if err != nil {
		if ctx.Err() != nil {
			p.release(ctx, job, now, err)
			return
		}
		p.fail(persist, job, now, err, false)
		return
	}

	if p.breaker.State() != gobreaker.StateOpen {
		if err := p.limiter.Wait(ctx); err != nil {
			p.release(ctx, job, now, err)
			return
		}
	}

	started := time.Now()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		// An in-flight send runs to its own timeout; shutdown waits for it.
		sendCtx, cancel := context.WithTimeout(persist, p.Policy.SendTimeout)
		defer cancel()
		out := p.Provider.Send(sendCtx, msg)
		if out.Delivered {
			return nil, nil
		}
		cause := out.Err
		if cause == nil {
			cause = errors.New(out.Reason)
		}
		if out.Permanent {
			return nil, permanentError{err: cause}
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, cause)
	})
	now = clock.Or(p.Clock).Now()

	switch {
	case err == nil:
		dispatchDuration.WithLabelValues(p.Channel).Observe(time.Since(started).Seconds())
		p.deliver(persist, job, now)
	case isCircuitOpen(err):
		p.circuitOpen(persist, job, now)
	default:
		dispatchDuration.WithLabelValues(p.Channel).Observe(time.Since(started).Seconds())
		var perr permanentError
		p.fail(persist, job, now, err, errors.As(err, &perr))
	}
}

func (p *Pool) deliver(ctx context.Context, job *models.NotificationJob, now time.Time) {
	ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:       models.JobStateDelivered,
		Attempts:    repository.IntPtr(job.Attempts + 1),
		DeliveredAt: repository.TimePtr(now),
		UpdatedAt:   now,
	})
	if err != nil || !ok {
		p.warn("mark delivered failed", job.ID, err)
		return
	}
	dispatchTotal.WithLabelValues(p.Channel, "delivered").Inc()
	p.settleDigest(ctx, job, models.JobStateDelivered)
}

// fail records a failed attempt and either schedules a retry or dead-letters.
func (p *Pool) fail(ctx context.Context, job *models.NotificationJob, now time.Time, cause error, permanent bool) {
	attempts := job.Attempts + 1
	ceiling := job.MaxAttempts
	if ceiling <= 0 {
		ceiling = p.Policy.MaxAttempts
	}
	reason := cause.Error()

	if permanent || attempts >= ceiling {
		ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
			State:     models.JobStateDeadLettered,
			Attempts:  repository.IntPtr(attempts),
			LastError: repository.StringPtr(reason),
			UpdatedAt: now,
		})
		if err != nil || !ok {
			p.warn("mark dead-lettered failed", job.ID, err)
			return
		}
		job.Attempts = attempts
		job.State = models.JobStateDeadLettered
		dispatchTotal.WithLabelValues(p.Channel, "dead_lettered").Inc()
		deadLetters.WithLabelValues(p.Channel).Inc()
		if p.Sink != nil {
			p.Sink.DeadLettered(ctx, *job, fmt.Errorf("%w after %d attempt(s): %s", ErrChannelExhausted, attempts, reason).Error())
		}
		p.settleDigest(ctx, job, models.JobStateDeadLettered)
		return
	}

	next := now.Add(p.retry.Delay(attempts))
	ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:         models.JobStateFailed,
		Attempts:      repository.IntPtr(attempts),
		NextAttemptAt: repository.TimePtr(next),
		LastError:     repository.StringPtr(reason),
		UpdatedAt:     now,
	})
	if err != nil || !ok {
		p.warn("mark failed failed", job.ID, err)
		return
	}
	dispatchTotal.WithLabelValues(p.Channel, "failed").Inc()
	if p.Logger != nil {
		p.Logger.Info("send failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.String("reason", reason),
		)
	}
	p.Enqueue(job.ID, next)
}

// circuitOpen parks the job until the breaker may half-open. No attempt is
// consumed since the provider was never called.
func (p *Pool) circuitOpen(ctx context.Context, job *models.NotificationJob, now time.Time) {
	cooldown := p.Policy.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	next := now.Add(cooldown)
	ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:         models.JobStateFailed,
		NextAttemptAt: repository.TimePtr(next),
		LastError:     repository.StringPtr(ErrCircuitOpen.Error()),
		UpdatedAt:     now,
	})
	if err != nil || !ok {
		p.warn("mark circuit-open failed", job.ID, err)
		return
	}
	dispatchTotal.WithLabelValues(p.Channel, "circuit_open").Inc()
	p.Enqueue(job.ID, next)
}

// release returns a claimed job without counting an attempt.
func (p *Pool) release(ctx context.Context, job *models.NotificationJob, now time.Time, cause error) {
	next := now.Add(p.retry.Delay(1))
	ok, err := p.Jobs.UpdateJob(context.WithoutCancel(ctx), job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:         models.JobStateFailed,
		NextAttemptAt: repository.TimePtr(next),
		LastError:     repository.StringPtr(cause.Error()),
		UpdatedAt:     now,
	})
	if err != nil || !ok {
		p.warn("release job failed", job.ID, err)
		return
	}
	p.Enqueue(job.ID, next)
}

func (p *Pool) cancel(ctx context.Context, job *models.NotificationJob, now time.Time, reason string) {
	ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:     models.JobStateCancelled,
		LastError: repository.StringPtr(reason),
		UpdatedAt: now,
	})
	if err != nil || !ok {
		p.warn("cancel job failed", job.ID, err)
		return
	}
	dispatchTotal.WithLabelValues(p.Channel, "cancelled").Inc()
	p.settleDigest(ctx, job, models.JobStateCancelled)
}

func (p *Pool) deferUntil(ctx context.Context, job *models.NotificationJob, now, until time.Time) {
	ok, err := p.Jobs.UpdateJob(ctx, job.ID, []string{models.JobStateSending}, repository.JobUpdate{
		State:         models.JobStatePending,
		NextAttemptAt: repository.TimePtr(until),
		UpdatedAt:     now,
	})
	if err != nil || !ok {
		p.warn("defer job failed", job.ID, err)
		return
	}
	dispatchTotal.WithLabelValues(p.Channel, "deferred").Inc()
	p.Enqueue(job.ID, until)
}

func (p *Pool) settleDigest(ctx context.Context, job *models.NotificationJob, state string) {
	if job.Kind != models.JobKindDigest {
		return
	}
	if _, err := p.Jobs.SettleDigestMarkers(ctx, job.ID, state); err != nil {
		p.warn("settle digest markers failed", job.ID, err)
	}
}

func (p *Pool) warn(msg, jobID string, err error) {
	if p.Logger == nil {
		return
	}
	p.Logger.Warn(msg, zap.String("job_id", jobID), zap.Error(err))
}
