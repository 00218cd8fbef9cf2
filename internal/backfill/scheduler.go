package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/vendor-feeds/internal/metrics"
	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/reports"
	"github.com/maltedev/vendor-feeds/internal/retry"
)

// ReportRunner runs one full report job for a window.
type ReportRunner interface {
	Run(ctx context.Context, window models.ReportWindow) (*reports.Job, error)
}

// WindowStore persists report rows per window.
type WindowStore interface {
	// StoredWindows returns the Key() of every window of period that
	// already has rows.
	StoredWindows(ctx context.Context, kinds []models.ReportKind, period models.Period) (map[string]struct{}, error)
	// ReplaceWindow atomically swaps the rows of a window.
	ReplaceWindow(ctx context.Context, window models.ReportWindow, rows []models.ReportRow) error
}

type Config struct {
	HorizonYears      int
	MaxAttempts       int
	RetryBackoff      time.Duration
	QuotaBackoff      time.Duration
	InterRequestDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		HorizonYears:      3,
		MaxAttempts:       3,
		RetryBackoff:      60 * time.Second,
		QuotaBackoff:      5 * time.Minute,
		InterRequestDelay: 10 * time.Second,
	}
}

type Summary struct {
	Fetched   int
	Skipped   int
	Abandoned int
	Failed    int
	Rows      int
}

type Scheduler struct {
	runner  ReportRunner
	store   WindowStore
	cfg     Config
	sleep   retry.SleepFunc
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Backfill
}

type Option func(*Scheduler)

func WithSleep(s retry.SleepFunc) Option {
	return func(sc *Scheduler) { sc.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

func WithMetrics(m *metrics.Backfill) Option {
	return func(sc *Scheduler) { sc.metrics = m }
}

func NewScheduler(runner ReportRunner, store WindowStore, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		runner: runner,
		store:  store,
		cfg:    cfg,
		sleep:  retry.Sleep,
		now:    time.Now,
		logger: logger.With("component", "backfill"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run fetches every missing window of period for kinds, newest first.
// Terminal job failures abandon a window and the run continues; an auth
// failure or cancellation ends the run.
func (s *Scheduler) Run(ctx context.Context, kinds []models.ReportKind, period models.Period) (Summary, error) {
	var summary Summary

	stored, err := s.store.StoredWindows(ctx, kinds, period)
	if err != nil {
		return summary, fmt.Errorf("failed to load stored windows: %w", err)
	}

	spans := Windows(period, s.now(), s.cfg.HorizonYears)
	s.logger.Info("starting backfill",
		"kinds", kinds,
		"period", period,
		"windows", len(spans)*len(kinds),
		"already_stored", len(stored))

	policy := retry.Policy{
		MaxAttempts:      s.cfg.MaxAttempts,
		TransientBackoff: s.cfg.RetryBackoff,
		QuotaBackoff:     s.cfg.QuotaBackoff,
		Classify:         reports.Classify,
	}

	for _, kind := range kinds {
		for _, w := range ForKind(kind, spans) {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			if _, ok := stored[w.Key()]; ok {
				summary.Skipped++
				s.metrics.Window(string(kind), "skipped")
				continue
			}

			if err := s.fetchWindow(ctx, policy, w, &summary); err != nil {
				return summary, err
			}
		}
	}

	s.logger.Info("backfill finished",
		"fetched", summary.Fetched,
		"skipped", summary.Skipped,
		"abandoned", summary.Abandoned,
		"failed", summary.Failed,
		"rows", summary.Rows)
	return summary, nil
}

// fetchWindow returns an error only when the whole run must stop.
func (s *Scheduler) fetchWindow(ctx context.Context, policy retry.Policy, w models.ReportWindow, summary *Summary) error {
	logger := s.logger.With("window", w.String())
	kind := string(w.Kind)

	job, err := retry.Do(ctx, policy, s.sleep, logger, func(ctx context.Context, attempt int) (*reports.Job, error) {
		job, err := s.runner.Run(ctx, w)
		if err != nil {
			s.metrics.FailedAttempt(kind, reports.Classify(err).String())
		}

		// provider pacing, independent of retry backoff
		if serr := s.sleep(ctx, s.cfg.InterRequestDelay); serr != nil && err == nil {
			return nil, serr
		}
		return job, err
	})

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		class, _ := retry.ClassOf(err)
		switch class {
		case retry.Fatal:
			logger.Error("aborting backfill", "error", err)
			return err
		case retry.Terminal:
			summary.Abandoned++
			s.metrics.Window(kind, "abandoned")
			logger.Warn("window abandoned", "error", err)
		default:
			summary.Failed++
			s.metrics.Window(kind, "failed")
			logger.Error("window failed after retries", "error", err)
		}
		return nil
	}

	if err := s.store.ReplaceWindow(ctx, w, job.Rows); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		summary.Failed++
		s.metrics.Window(kind, "failed")
		logger.Error("failed to store window", "error", err)
		return nil
	}

	summary.Fetched++
	summary.Rows += len(job.Rows)
	s.metrics.Window(kind, "fetched")
	s.metrics.Rows(kind, len(job.Rows))
	logger.Info("window stored", "report_id", job.ReportID, "rows", len(job.Rows))
	return nil
}
