// Package scheduler runs the periodic billing jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/cart"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
)

var Module = fx.Options(
	fx.Provide(NewScheduler),
	fx.Invoke(registerLifecycle),
)

const defaultJobTimeout = 30 * time.Minute

// Job is one scheduled task. Run returns a summary that is logged on success.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) (any, error)
}

type Param struct {
	fx.In

	Config        *cfgpkg.Config
	Subscriptions *subscription.Service
	Carts         *cart.Service
	Locker        platformredis.Locker
	Metrics       *metrics.Billing
	Log           *zap.SugaredLogger
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	locker  platformredis.Locker
	metrics *metrics.Billing
	log     *zap.SugaredLogger
}

func NewScheduler(p Param) *Scheduler {
	return New(Jobs(p.Config.Scheduler, p.Subscriptions, p.Carts), p.Locker, p.Metrics, p.Log)
}

func New(jobs []Job, locker platformredis.Locker, m *metrics.Billing, log *zap.SugaredLogger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		jobs:    jobs,
		locker:  locker,
		metrics: m,
		log:     log,
	}
}

// Jobs lists the billing jobs with their configured schedules.
func Jobs(cfg cfgpkg.SchedulerConfig, subs *subscription.Service, carts *cart.Service) []Job {
	return []Job{
		{
			Name: "recurring_billing",
			Spec: cfg.RecurringBilling,
			Run:  func(ctx context.Context) (any, error) { return subs.RunRecurringBilling(ctx) },
		},
		{
			Name: "upcoming_notices",
			Spec: cfg.UpcomingNotices,
			Run:  func(ctx context.Context) (any, error) { return subs.NotifyUpcomingRenewals(ctx) },
		},
		{
			Name: "grace_sweep",
			Spec: cfg.GraceSweep,
			Run:  func(ctx context.Context) (any, error) { return subs.EndExpiredGracePeriods(ctx) },
		},
		{
			Name: "expiry_sweep",
			Spec: cfg.ExpirySweep,
			Run:  func(ctx context.Context) (any, error) { return subs.ExpireFixedTermSubscriptions(ctx) },
		},
		{
			Name: "cart_reminders",
			Spec: cfg.CartReminders,
			Run:  func(ctx context.Context) (any, error) { return carts.SendAbandonedCartReminders(ctx) },
		},
	}
}

// Register adds every job with a schedule to the cron. Jobs with an empty spec are disabled.
func (s *Scheduler) Register() error {
	for _, job := range s.jobs {
		if job.Spec == "" {
			s.log.Infow("job disabled", "job", job.Name)
			continue
		}
		if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.RunJob(context.Background(), job) }); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
		s.log.Infow("scheduled job", "job", job.Name, "schedule", job.Spec)
	}
	return nil
}

// RunJob runs job once under a lock shared by every scheduler process.
func (s *Scheduler) RunJob(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = logctx.WithTraceID(ctx, tool.GenerateUUIDV7())
	log := logctx.FromCtx(ctx, s.log).With("job", job.Name)

	unlock, err := s.locker.Lock(ctx, "cron:"+job.Name, timeout)
	if errors.Is(err, platformredis.ErrLockHeld) {
		log.Infow("job already running elsewhere, skipping")
		s.metrics.ObserveJob(job.Name, "skipped")
		return nil
	}
	if err != nil {
		log.Errorw("failed to lock job", "error", err)
		s.metrics.ObserveJob(job.Name, "error")
		return err
	}
	defer unlock()

	start := time.Now()
	log.Infow("job started")
	res, err := job.Run(ctx)
	if err != nil {
		log.Errorw("job failed", "elapsed", time.Since(start), "error", err)
		s.metrics.ObserveJob(job.Name, "error")
		return err
	}
	log.Infow("job finished", "elapsed", time.Since(start), "result", res)
	s.metrics.ObserveJob(job.Name, "success")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func registerLifecycle(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := s.Register(); err != nil {
				return err
			}
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-s.Stop().Done():
				return nil
			case <-ctx.Done():
				s.log.Warnw("stopped before running jobs finished")
				return ctx.Err()
			}
		},
	})
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
