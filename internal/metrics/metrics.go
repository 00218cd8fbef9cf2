package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vendor_feeds"

// Scraper holds the worker loop collectors. A nil *Scraper is valid and
// records nothing.
type Scraper struct {
	attempts      *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	persistErrors prometheus.Counter
	passDuration  prometheus.Histogram
	lastProgress  prometheus.Gauge
}

func NewScraper(reg prometheus.Registerer) *Scraper {
	m := &Scraper{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "attempts_total",
			Help:      "Completed scrape attempts by outcome.",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "browser_restarts_total",
			Help:      "Browser session restarts by trigger.",
		}, []string{"reason"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "persist_errors_total",
			Help:      "Observations that could not be stored.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a full pass over tracked items.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 8),
		}),
		lastProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "last_progress_timestamp_seconds",
			Help:      "Unix time of the last completed scrape attempt.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.attempts, m.restarts, m.persistErrors, m.passDuration, m.lastProgress)
	}
	return m
}

func (m *Scraper) Attempt(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.lastProgress.Set(float64(at.Unix()))
}

func (m *Scraper) Restart(reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(reason).Inc()
}

func (m *Scraper) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Scraper) Pass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

// Backfill holds the report scheduler collectors. A nil *Backfill is valid.
type Backfill struct {
	windows  *prometheus.CounterVec
	attempts *prometheus.CounterVec
	rows     *prometheus.CounterVec
}

func NewBackfill(reg prometheus.Registerer) *Backfill {
	m := &Backfill{
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "windows_total",
			Help:      "Report windows by kind and result.",
		}, []string{"kind", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "failed_attempts_total",
			Help:      "Failed report job attempts by kind and failure class.",
		}, []string{"kind", "class"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "rows_stored_total",
			Help:      "Normalized report rows written.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.windows, m.attempts, m.rows)
	}
	return m
}

func (m *Backfill) Window(kind, result string) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(kind, result).Inc()
}

func (m *Backfill) FailedAttempt(kind, class string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(kind, class).Inc()
}

func (m *Backfill) Rows(kind string, n int) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(kind).Add(float64(n))
}
