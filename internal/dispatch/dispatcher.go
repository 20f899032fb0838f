// Package dispatch delivers notification jobs through per-channel worker
// pools with independent retry ceilings, rate limits and circuit breakers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/models"
	"signalrelay/internal/notification"
	"signalrelay/internal/repository"
)

type Options struct {
	Config    config.DispatchConfig
	Providers map[string]notification.Provider
	Jobs      repository.JobRepository
	Composer  MessageComposer
	Checker   Rechecker
	Sink      DeadLetterSink
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Dispatcher owns one Pool per channel. A failing channel never blocks the
// others: each pool has its own queue, workers and breaker.
type Dispatcher struct {
	pools      map[string]*Pool
	jobs       repository.JobRepository
	clock      clock.Clock
	logger     *zap.Logger
	pollLimit  int
	staleAfter time.Duration
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		pools:      map[string]*Pool{},
		jobs:       opts.Jobs,
		clock:      clock.Or(opts.Clock),
		logger:     opts.Logger,
		pollLimit:  opts.Config.PollLimit,
		staleAfter: opts.Config.StaleAfter,
	}
	if d.pollLimit <= 0 {
		d.pollLimit = 200
	}
	if d.staleAfter <= 0 {
		d.staleAfter = 2 * time.Minute
	}
	for _, ch := range models.AllChannels {
		provider := opts.Providers[ch]
		if provider == nil {
			provider = notification.Unconfigured{Name: ch}
		}
		pool := NewPool(ch, opts.Config.Channels[ch], provider, opts.Jobs, opts.Logger)
		pool.Composer = opts.Composer
		pool.Checker = opts.Checker
		pool.Sink = opts.Sink
		pool.Clock = d.clock
		d.pools[ch] = pool
	}
	return d
}

func (d *Dispatcher) Pool(channel string) (*Pool, bool) {
	p, ok := d.pools[channel]
	return p, ok
}

// Enqueue hands a freshly created job to its channel pool. Jobs that are not
// pending or failed are ignored.
func (d *Dispatcher) Enqueue(job models.NotificationJob) {
	if job.State != models.JobStatePending && job.State != models.JobStateFailed {
		return
	}
	pool, ok := d.pools[job.Channel]
	if !ok {
		if d.logger != nil {
			d.logger.Warn("no pool for channel", zap.String("channel", job.Channel), zap.String("job_id", job.ID))
		}
		return
	}
	pool.Enqueue(job.ID, job.NextAttemptAt)
}

// Poll loads due jobs from storage into the ready queues. It picks up jobs
// created by other processes and those whose in-memory schedule was lost.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	now := d.clock.Now()
	total := 0
	for _, ch := range models.AllChannels {
		jobs, err := d.jobs.ListDueJobs(ctx, ch, now, d.pollLimit)
		if err != nil {
			return total, fmt.Errorf("list due %s jobs: %w", ch, err)
		}
		pool := d.pools[ch]
		for _, job := range jobs {
			pool.Enqueue(job.ID, job.NextAttemptAt)
		}
		total += len(jobs)
	}
	return total, nil
}

// Recover returns jobs stuck in sending (a crashed worker) to failed so they
// are retried.
func (d *Dispatcher) Recover(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	n, err := d.jobs.RecoverStaleSending(ctx, now.Add(-d.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("recover stale sending jobs: %w", err)
	}
	if n > 0 && d.logger != nil {
		d.logger.Warn("recovered stale sending jobs", zap.Int64("count", n))
	}
	return n, nil
}

// Tick recovers stale jobs and polls due ones; it is the periodic job body.
func (d *Dispatcher) Tick(ctx context.Context) {
	if _, err := d.Recover(ctx); err != nil && d.logger != nil {
		d.logger.Warn("dispatch recover failed", zap.Error(err))
	}
	if _, err := d.Poll(ctx); err != nil && d.logger != nil {
		d.logger.Warn("dispatch poll failed", zap.Error(err))
	}
}

func (d *Dispatcher) Breakers() []BreakerStatus {
	out := make([]BreakerStatus, 0, len(d.pools))
	for _, p := range d.pools {
		out = append(out, p.Breaker())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// ProcessDue drains every pool synchronously.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {
	n := 0
	for _, ch := range models.AllChannels {
		n += d.pools[ch].ProcessDue(ctx)
	}
	return n
}

// Run starts every pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.pools {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
