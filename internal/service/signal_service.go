package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"signalrelay/internal/clock"
	"signalrelay/internal/config"
	"signalrelay/internal/eligibility"
	"signalrelay/internal/fanout"
	"signalrelay/internal/models"
	"signalrelay/internal/repository"
)

var publishDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "signalrelay_publish_dropped_total",
	Help: "New signals not handed to async processing because the queue was full.",
})

type Broadcaster interface {
	Broadcast(ctx context.Context, sig models.Signal) fanout.BroadcastStats
}

type Planner interface {
	Plan(ctx context.Context, sig models.Signal) (eligibility.Plan, error)
}

type JobEnqueuer interface {
	Enqueue(job models.NotificationJob)
}

// RecentSignals lists ledger signals received after since, oldest first.
type RecentSignals interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]models.Signal, error)
}

type ProcessResult struct {
	Fanout  fanout.BroadcastStats
	Planned int
	Created int
	Skipped int
}

// SignalService runs everything downstream of a persisted signal: the live
// push, eligibility and job creation. It implements ingest.Publisher.
type SignalService struct {
	Jobs     repository.JobRepository
	Signals  RecentSignals
	Fanout   Broadcaster
	Resolver Planner
	Dispatch JobEnqueuer
	Config   config.ServiceConfig
	Clock    clock.Clock
	Logger   *zap.Logger

	once  sync.Once
	queue chan models.Signal
}

func (s *SignalService) init() {
	s.once.Do(func() {
		size := s.Config.AsyncQueue
		if size <= 0 {
			size = 256
		}
		s.queue = make(chan models.Signal, size)
	})
}

// Publish hands sig to the async workers without blocking. When the queue is
// full the signal is left to the catch-up pass.
func (s *SignalService) Publish(sig models.Signal) {
	if s == nil {
		return
	}
	s.init()
	select {
	case s.queue <- sig:
	default:
		publishDropped.Inc()
		if s.Logger != nil {
			s.Logger.Warn("signal queue full, deferring to catch-up", zap.String("signal_id", sig.ID), zap.String("ticker", sig.Ticker))
		}
	}
}

// Run processes published signals on Config.AsyncWorkers goroutines until ctx
// is done, then drains what is already queued before returning. Call it after
// the webhook has stopped accepting requests so the drain is complete.
func (s *SignalService) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.init()
	workers := s.Config.AsyncWorkers
	if workers <= 0 {
		workers = 4
	}
	// A dequeued signal is always processed to the end.
	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					s.drain(work)
					return
				case sig := <-s.queue:
					s.handle(work, sig)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *SignalService) drain(ctx context.Context) {
	for {
		select {
		case sig := <-s.queue:
			s.handle(ctx, sig)
		default:
			return
		}
	}
}

func (s *SignalService) handle(ctx context.Context, sig models.Signal) {
	if _, err := s.Process(ctx, sig); err != nil && s.Logger != nil {
		s.Logger.Warn("process signal failed", zap.String("signal_id", sig.ID), zap.Error(err))
	}
}

// Process broadcasts sig to live clients and creates its notification jobs.
// Job creation is idempotent, so a signal may be processed more than once.
func (s *SignalService) Process(ctx context.Context, sig models.Signal) (ProcessResult, error) {
	var res ProcessResult
	if s.Fanout != nil {
		res.Fanout = s.Fanout.Broadcast(ctx, sig)
	}
	created, err := s.createJobs(ctx, sig, &res)
	if err != nil {
		return res, err
	}
	if s.Logger != nil {
		s.Logger.Info("signal processed",
			zap.String("signal_id", sig.ID),
			zap.String("ticker", sig.Ticker),
			zap.Int("live_clients", res.Fanout.Enqueued),
			zap.Int("jobs", created),
		)
	}
	return res, nil
}

func (s *SignalService) createJobs(ctx context.Context, sig models.Signal, res *ProcessResult) (int, error) {
	if s.Resolver == nil || s.Jobs == nil {
		return 0, nil
	}
	plan, err := s.Resolver.Plan(ctx, sig)
	if err != nil {
		return 0, fmt.Errorf("plan %s: %w", sig.ID, err)
	}
	res.Planned = len(plan.Jobs)
	res.Skipped = plan.Skipped
	// One failed insert must not cost the remaining recipients their jobs.
	var errs []error
	for i := range plan.Jobs {
		job := plan.Jobs[i]
		ok, err := s.Jobs.InsertJob(ctx, &job)
		if err != nil {
			errs = append(errs, fmt.Errorf("insert job %s/%s: %w", job.UserID, job.Channel, err))
			continue
		}
		if !ok {
			continue
		}
		res.Created++
		if s.Dispatch != nil {
			s.Dispatch.Enqueue(job)
		}
	}
	return res.Created, errors.Join(errs...)
}

// CatchUp re-plans every signal received within the catch-up window and
// creates whatever jobs are missing. That covers signals dropped by a full
// queue or a restart, and plans cut short by a failed insert or an unreadable
// profile. Existing jobs are kept by the (signal, user, channel) key. Live
// pushes are not replayed.
func (s *SignalService) CatchUp(ctx context.Context) (int, error) {
	if s.Signals == nil || s.Jobs == nil {
		return 0, nil
	}
	window := s.Config.CatchupWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	since := clock.Or(s.Clock).Now().Add(-window)
	signals, err := s.Signals.ListSince(ctx, since, 1000)
	if err != nil {
		return 0, fmt.Errorf("list recent signals: %w", err)
	}
	total := 0
	var errs []error
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var res ProcessResult
		created, err := s.createJobs(ctx, sig, &res)
		total += created
		if err != nil {
			errs = append(errs, err)
		}
	}
	if total > 0 && s.Logger != nil {
		s.Logger.Info("catch-up created jobs", zap.Int("jobs", total))
	}
	return total, errors.Join(errs...)
}
