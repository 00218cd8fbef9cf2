package scraper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-feeds/internal/browser"
	"github.com/maltedev/vendor-feeds/internal/metrics"
	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/retry"
	"github.com/playwright-community/playwright-go"
)

type WorkerConfig struct {
	ItemTimeout            time.Duration
	RestartEvery           int
	MaxConsecutiveFailures int
	StallTimeout           time.Duration
	SessionTimeout         time.Duration
	PersistTimeout         time.Duration
	CookieCheckpointRate   float64
	PassInterval           time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ItemTimeout:            50 * time.Second,
		RestartEvery:           50,
		MaxConsecutiveFailures: 3,
		StallTimeout:           120 * time.Second,
		SessionTimeout:         60 * time.Second,
		PersistTimeout:         15 * time.Second,
		CookieCheckpointRate:   0.2,
		PassInterval:           time.Hour,
	}
}

type PassStats struct {
	Processed     int
	Observed      int
	NoData        int
	Failed        int
	Restarts      int
	PersistFailed int
}

// Status is a point-in-time view of the worker for health reporting.
type Status struct {
	LastProgress        time.Time `json:"last_progress"`
	Processed           int       `json:"processed"`
	SinceRestart        int       `json:"since_restart"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Restarts            int       `json:"restarts"`
}

// feedbackPacer is implemented by pacers that adapt to outcomes.
type feedbackPacer interface {
	RecordSuccess()
	RecordError()
}

// Worker scrapes tracked items strictly one at a time and owns every
// browser restart decision.
type Worker struct {
	session  Session
	scraper  ItemScraper
	source   ItemSource
	sink     ObservationSink
	pacer    Pacer
	cfg      WorkerConfig
	logger   *slog.Logger
	metrics  *metrics.Scraper
	watchdog *Watchdog

	now   func() time.Time
	rand  func() float64
	sleep retry.SleepFunc

	// set while a restart is in flight so the loop and the watchdog never
	// restart concurrently
	restarting atomic.Bool

	mu                  sync.Mutex
	processed           int
	sinceRestart        int
	consecutiveFailures int
	restarts            int
}

type WorkerOption func(*Worker)

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func WithRand(r func() float64) WorkerOption {
	return func(w *Worker) { w.rand = r }
}

func WithSleep(s retry.SleepFunc) WorkerOption {
	return func(w *Worker) { w.sleep = s }
}

func WithMetrics(m *metrics.Scraper) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(session Session, scraper ItemScraper, source ItemSource, sink ObservationSink, pacer Pacer, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWorkerConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}

	w := &Worker{
		session: session,
		scraper: scraper,
		source:  source,
		sink:    sink,
		pacer:   pacer,
		cfg:     cfg,
		logger:  logger.With("component", "scrape_worker"),
		now:     time.Now,
		rand:    rand.Float64,
		sleep:   retry.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.watchdog = NewWatchdog(cfg.StallTimeout, w.now)
	return w
}

// Run repeats passes every PassInterval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		stats, err := w.RunPass(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("scrape pass failed", "error", err)
		} else {
			w.logger.Info("scrape pass finished",
				"processed", stats.Processed,
				"observed", stats.Observed,
				"no_data", stats.NoData,
				"failed", stats.Failed,
				"restarts", stats.Restarts)
		}

		if err := w.sleep(ctx, w.cfg.PassInterval); err != nil {
			return nil
		}
	}
}

// RunPass scrapes every tracked item once. Item failures never escape; only
// listing errors and context cancellation end the pass early.
func (w *Worker) RunPass(ctx context.Context) (stats PassStats, err error) {
	restartsBefore := w.restartCount()
	defer func() { stats.Restarts = w.restartCount() - restartsBefore }()

	items, err := w.source.ListTrackedItems(ctx)
	if err != nil {
		return stats, err
	}

	passID := uuid.NewString()
	logger := w.logger.With("pass_id", passID)
	logger.Info("starting scrape pass", "items", len(items))

	start := w.now()
	defer func() { w.metrics.Pass(w.now().Sub(start)) }()

	// idle time between passes is not a stall
	w.watchdog.Touch()

	watchCtx, stopWatch := context.WithCancel(ctx)
	var watchers sync.WaitGroup
	watchers.Add(1)
	go func() {
		defer watchers.Done()
		w.watch(watchCtx, logger)
	}()
	defer func() {
		stopWatch()
		watchers.Wait()
	}()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if !models.ValidASIN(item.ASIN) {
			logger.Warn("skipping invalid item id", "asin", item.ASIN)
			continue
		}

		w.checkRestartTriggers(ctx, logger)

		if w.pacer != nil {
			if err := w.pacer.Wait(ctx); err != nil {
				return stats, err
			}
		}

		outcome, obs, err := w.attempt(ctx, item.ASIN)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		w.record(outcome, &stats)

		switch outcome {
		case OutcomeObservation:
			if err := w.persist(ctx, obs); err != nil {
				stats.PersistFailed++
				w.metrics.PersistError()
				logger.Error("failed to store observation", "asin", item.ASIN, "error", err)
			}
		case OutcomeNoData:
			logger.Warn("no data for item", "asin", item.ASIN)
		case OutcomeError:
			logger.Warn("scrape failed", "asin", item.ASIN, "error", err)
			if isTimeout(err) {
				w.recoverFromTimeout(ctx, logger)
			}
		}

		if w.rand() < w.cfg.CookieCheckpointRate {
			if err := w.sessionCall(ctx, w.session.SaveCookies); err != nil {
				logger.Warn("cookie checkpoint failed", "error", err)
			}
		}
	}

	return stats, nil
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		LastProgress:        w.watchdog.LastProgress(),
		Processed:           w.processed,
		SinceRestart:        w.sinceRestart,
		ConsecutiveFailures: w.consecutiveFailures,
		Restarts:            w.restarts,
	}
}

func (w *Worker) restartCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// watch forces a restart whenever no attempt has completed within
// StallTimeout, including while the loop itself is blocked.
func (w *Worker) watch(ctx context.Context, logger *slog.Logger) {
	if w.cfg.StallTimeout <= 0 {
		return
	}

	interval := w.cfg.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.watchdog.Stalled() {
				logger.Warn("scrape loop stalled, forcing browser restart", "since_progress", w.watchdog.SinceProgress())
				w.restart(ctx, logger, "stall")
			}
		}
	}
}

// checkRestartTriggers applies at most one restart per iteration, in order:
// stall watchdog, leak guard, consecutive failures.
func (w *Worker) checkRestartTriggers(ctx context.Context, logger *slog.Logger) {
	w.mu.Lock()
	sinceRestart := w.sinceRestart
	failures := w.consecutiveFailures
	w.mu.Unlock()

	var reason string
	switch {
	case w.watchdog.Stalled():
		reason = "stall"
		logger.Warn("no progress, restarting browser", "since_progress", w.watchdog.SinceProgress())
	case w.cfg.RestartEvery > 0 && sinceRestart >= w.cfg.RestartEvery:
		reason = "leak_guard"
		logger.Info("periodic browser restart", "processed_since_restart", sinceRestart)
	case w.cfg.MaxConsecutiveFailures > 0 && failures >= w.cfg.MaxConsecutiveFailures:
		reason = "consecutive_failures"
		logger.Warn("too many consecutive failures, restarting browser", "failures", failures)
	default:
		return
	}

	w.restart(ctx, logger, reason)
}

func (w *Worker) restart(ctx context.Context, logger *slog.Logger, reason string) {
	if !w.restarting.CompareAndSwap(false, true) {
		logger.Debug("restart already in progress", "reason", reason)
		return
	}
	defer w.restarting.Store(false)

	w.metrics.Restart(reason)

	if err := w.sessionCall(ctx, w.session.Restart); err != nil {
		logger.Error("browser restart failed, continuing", "reason", reason, "error", err)
	}

	w.mu.Lock()
	w.restarts++
	w.sinceRestart = 0
	w.consecutiveFailures = 0
	w.mu.Unlock()
	w.watchdog.Touch()
}

// recoverFromTimeout recreates the page and escalates to a full restart if
// that fails.
func (w *Worker) recoverFromTimeout(ctx context.Context, logger *slog.Logger) {
	err := w.sessionCall(ctx, w.session.RecreatePage)
	if err == nil {
		logger.Info("page recreated after timeout")
		return
	}
	if ctx.Err() != nil {
		return
	}

	logger.Warn("page recreation failed, escalating", "error", err)
	w.restart(ctx, logger, "timeout_recovery")
}

// sessionCall bounds a browser lifecycle call by SessionTimeout. A call that
// ignores its context is abandoned.
func (w *Worker) sessionCall(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.SessionTimeout)
	defer cancel()

	_, err := browser.Race(ctx, w.cfg.SessionTimeout, func() (struct{}, error) {
		return struct{}{}, fn(callCtx)
	})
	return err
}

func (w *Worker) persist(ctx context.Context, obs *models.Observation) error {
	saveCtx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
	defer cancel()
	return w.sink.SaveObservation(saveCtx, obs)
}

// attempt races one scrape against the item timeout.
func (w *Worker) attempt(ctx context.Context, asin string) (Outcome, *models.Observation, error) {
	itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	defer cancel()

	obs, err := browser.Race(ctx, w.cfg.ItemTimeout, func() (*models.Observation, error) {
		return w.scraper.ScrapeItem(itemCtx, asin)
	})

	switch {
	case errors.Is(err, browser.ErrStepTimeout):
		return OutcomeError, nil, ErrScrapeTimeout
	case err != nil:
		return OutcomeError, nil, err
	case obs == nil:
		return OutcomeNoData, nil, nil
	}
	return OutcomeObservation, obs, nil
}

func (w *Worker) record(outcome Outcome, stats *PassStats) {
	stats.Processed++
	switch outcome {
	case OutcomeObservation:
		stats.Observed++
	case OutcomeNoData:
		stats.NoData++
	default:
		stats.Failed++
	}

	w.mu.Lock()
	w.processed++
	w.sinceRestart++
	if outcome == OutcomeObservation {
		w.consecutiveFailures = 0
	} else {
		w.consecutiveFailures++
	}
	w.mu.Unlock()

	w.watchdog.Touch()
	w.metrics.Attempt(outcome.String(), w.now())

	if fp, ok := w.pacer.(feedbackPacer); ok {
		if outcome == OutcomeObservation {
			fp.RecordSuccess()
		} else {
			fp.RecordError()
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrScrapeTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, browser.ErrStepTimeout) ||
		errors.Is(err, playwright.ErrTimeout)
}
