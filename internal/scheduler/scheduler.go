package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
	"vpn-miniapp-backend/internal/services"
)

type OrderSweeper interface {
	ExpireStalePending(ctx context.Context) (int64, error)
}

type SubscriptionSweeper interface {
	ExpireSubscriptions(ctx context.Context) (int, error)
	NotifyExpiring(ctx context.Context, days int) (int, error)
}

type HealthChecker interface {
	CheckAll(ctx context.Context) ([]services.ServerStatus, error)
}

type Backuper interface {
	Backup(ctx context.Context, prefix string) (string, error)
}

type Pruner interface {
	Prune()
}

// Config: расписания в формате cron; пустое расписание отключает задачу
type Config struct {
	PendingSweep      string
	SubscriptionSweep string
	Reminders         string
	Health            string
	Backup            string
	NotifyDays        int
	JobTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingSweep:      "@every 30s",
		SubscriptionSweep: "@every 1m",
		Reminders:         "0 10 * * *",
		Health:            "@every 5m",
		Backup:            "0 3 * * *",
		NotifyDays:        3,
		JobTimeout:        5 * time.Minute,
	}
}

// Jobs: исполнители задач; nil отключает соответствующую задачу
type Jobs struct {
	Orders        OrderSweeper
	Subscriptions SubscriptionSweeper
	Health        HealthChecker
	Backups       Backuper
	BotLimiter    Pruner
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    []job
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New регистрирует задачи. Каждая задача пропускается, если прошлый запуск
// ещё не закончился, и паника в ней не роняет процесс
func New(cfg Config, j Jobs) (*Scheduler, error) {
	cl := cronLogger{logger.L().Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, timeout: cfg.JobTimeout, ctx: ctx, cancel: cancel}

	if j.Orders != nil {
		s.jobs = append(s.jobs, job{"expire_orders", cfg.PendingSweep, func(ctx context.Context) error {
			n, err := j.Orders.ExpireStalePending(ctx)
			if n > 0 {
				logger.Info("stale orders expired", zap.Int64("count", n))
			}
			return err
		}})
	}
	if j.Subscriptions != nil {
		s.jobs = append(s.jobs, job{"expire_subscriptions", cfg.SubscriptionSweep, func(ctx context.Context) error {
			n, err := j.Subscriptions.ExpireSubscriptions(ctx)
			if n > 0 {
				logger.Info("subscriptions expired", zap.Int("count", n))
			}
			return err
		}})
		days := cfg.NotifyDays
		if days <= 0 {
			days = 3
		}
		s.jobs = append(s.jobs, job{"expiry_reminders", cfg.Reminders, func(ctx context.Context) error {
			n, err := j.Subscriptions.NotifyExpiring(ctx, days)
			logger.Info("expiry reminders sent", zap.Int("count", n), zap.Int("days", days))
			return err
		}})
	}
	if j.Health != nil {
		s.jobs = append(s.jobs, job{"panel_health", cfg.Health, func(ctx context.Context) error {
			_, err := j.Health.CheckAll(ctx)
			return err
		}})
	}
	if j.Backups != nil {
		s.jobs = append(s.jobs, job{"backup", cfg.Backup, func(ctx context.Context) error {
			_, err := j.Backups.Backup(ctx, "autobackup")
			return err
		}})
	}
	if j.BotLimiter != nil {
		s.jobs = append(s.jobs, job{"prune_bot_limiter", "@every 10m", func(context.Context) error {
			j.BotLimiter.Prune()
			return nil
		}})
	}

	for _, jb := range s.jobs {
		if jb.spec == "" {
			logger.Info("job disabled", zap.String("job", jb.name))
			continue
		}
		jb := jb
		if _, err := c.AddFunc(jb.spec, func() { s.runJob(jb) }); err != nil {
			cancel()
			return nil, fmt.Errorf("scheduler: job %s: bad spec %q: %w", jb.name, jb.spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runJob(jb job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := jb.run(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(jb.name, "error").Inc()
		logger.Error("job failed", zap.String("job", jb.name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	metrics.JobRuns.WithLabelValues(jb.name, "ok").Inc()
	logger.Debug("job done", zap.String("job", jb.name), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop отменяет контекст текущих задач и ждёт их завершения, но не дольше ctx
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduler stop timed out")
	}
}

// cronLogger переводит логи cron в zap
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
