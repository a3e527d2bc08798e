// Package scheduler wires the billing and webhook sweeps onto cron
// schedules. Every sweep is idempotent, so overlapping or re-triggered runs
// are harmless.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gobill/gobill/pkg/gobill"
	"github.com/gobill/gobill/pkg/webhook"
)

// Config holds the cron expressions for each sweep. Zero values fall back
// to defaults.
type Config struct {
	// DueBillingSpec schedules the due-subscription sweep (default: every 5m).
	DueBillingSpec string

	// PaymentRetriesSpec schedules the dunning retry sweep (default: every 15m).
	PaymentRetriesSpec string

	// LifecycleSpec schedules trial endings, scheduled changes and
	// past-due cancellation (default: every 10m).
	LifecycleSpec string

	// WebhookRetriesSpec schedules webhook delivery attempts (default: every 1m).
	WebhookRetriesSpec string

	// CleanupSpec schedules delivery record pruning (default: daily at 03:00).
	CleanupSpec string

	// JobTimeout bounds one sweep run (default: 10m).
	JobTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger gobill.Logger
}

// Scheduler runs the periodic sweeps for a billing engine and a webhook
// delivery engine.
type Scheduler struct {
	cron    *cron.Cron
	billing *gobill.Engine
	webhook *webhook.Engine
	config  Config
	logger  gobill.Logger
}

// New creates a scheduler over the two engines. Either engine may be nil;
// its sweeps are simply not registered.
func New(billing *gobill.Engine, webhookEngine *webhook.Engine, config Config) (*Scheduler, error) {
	if config.DueBillingSpec == "" {
		config.DueBillingSpec = "@every 5m"
	}
	if config.PaymentRetriesSpec == "" {
		config.PaymentRetriesSpec = "@every 15m"
	}
	if config.LifecycleSpec == "" {
		config.LifecycleSpec = "@every 10m"
	}
	if config.WebhookRetriesSpec == "" {
		config.WebhookRetriesSpec = "@every 1m"
	}
	if config.CleanupSpec == "" {
		config.CleanupSpec = "0 3 * * *"
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &gobill.NoopLogger{}
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		billing: billing,
		webhook: webhookEngine,
		config:  config,
		logger:  config.Logger,
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) register() error {
	type job struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}

	var jobs []job
	if s.billing != nil {
		jobs = append(jobs,
			job{"due_billing", s.config.DueBillingSpec, s.billing.RunDueBilling},
			job{"payment_retries", s.config.PaymentRetriesSpec, s.billing.RunPaymentRetries},
			job{"lifecycle", s.config.LifecycleSpec, s.billing.RunLifecycle},
		)
	}
	if s.webhook != nil {
		jobs = append(jobs,
			job{"webhook_retries", s.config.WebhookRetriesSpec, s.webhook.RunRetries},
			job{"webhook_cleanup", s.config.CleanupSpec, s.webhook.RunCleanup},
		)
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return err
		}
	}
	return nil
}

// wrap bounds a sweep with the job timeout and logs its outcome.
func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
		defer cancel()

		started := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("sweep failed",
				gobill.Field{Key: "sweep", Value: name},
				gobill.Field{Key: "error", Value: err.Error()})
			return
		}
		s.logger.Debug("sweep finished",
			gobill.Field{Key: "sweep", Value: name},
			gobill.Field{Key: "duration", Value: time.Since(started).String()})
	}
}

// Start begins running the schedules in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running sweeps to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
