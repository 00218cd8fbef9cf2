package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestScraperMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewScraper(reg)

	now := time.Unix(1700000000, 0)
	m.Attempt("observation", now)
	m.Attempt("observation", now)
	m.Attempt("error", now)
	m.Restart("consecutive_failures")
	m.PersistError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("observation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restarts.WithLabelValues("consecutive_failures")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistErrors))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(m.lastProgress))
}

func TestBackfillMetrics(t *testing.T) {
	m := NewBackfill(prometheus.NewRegistry())

	m.Window("GET_VENDOR_SALES_REPORT", "fetched")
	m.Rows("GET_VENDOR_SALES_REPORT", 12)
	m.FailedAttempt("GET_VENDOR_SALES_REPORT", "quota")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.windows.WithLabelValues("GET_VENDOR_SALES_REPORT", "fetched")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.rows.WithLabelValues("GET_VENDOR_SALES_REPORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("GET_VENDOR_SALES_REPORT", "quota")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var s *Scraper
	var b *Backfill

	assert.NotPanics(t, func() {
		s.Attempt("error", time.Now())
		s.Restart("stall")
		s.PersistError()
		s.Pass(time.Second)
		b.Window("k", "skipped")
		b.Rows("k", 1)
		b.FailedAttempt("k", "transient")
	})
}
