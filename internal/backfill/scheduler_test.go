package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/vendor-feeds/internal/auth"
	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/reports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeline records runner calls and sleeps in order.
type timeline struct {
	mu     sync.Mutex
	events []string
	sleeps []time.Duration
}

func (tl *timeline) add(e string) {
	tl.mu.Lock()
	tl.events = append(tl.events, e)
	tl.mu.Unlock()
}

func (tl *timeline) sleep(ctx context.Context, d time.Duration) error {
	tl.mu.Lock()
	tl.events = append(tl.events, fmt.Sprintf("sleep:%s", d))
	tl.sleeps = append(tl.sleeps, d)
	tl.mu.Unlock()
	return ctx.Err()
}

type scriptedRunner struct {
	tl      *timeline
	results map[string][]error
	calls   map[string]int
	rows    func(w models.ReportWindow) []models.ReportRow
}

func newScriptedRunner(tl *timeline) *scriptedRunner {
	return &scriptedRunner{
		tl:      tl,
		results: map[string][]error{},
		calls:   map[string]int{},
		rows: func(w models.ReportWindow) []models.ReportRow {
			return []models.ReportRow{
				{Kind: w.Kind, ItemID: "B000000001", Period: w.Period, WindowStart: w.Start, WindowEnd: w.End, Payload: []byte(`{"asin":"B000000001"}`)},
				{Kind: w.Kind, ItemID: "B000000002", Period: w.Period, WindowStart: w.Start, WindowEnd: w.End, Payload: []byte(`{"asin":"B000000002"}`)},
			}
		},
	}
}

func (r *scriptedRunner) Run(ctx context.Context, w models.ReportWindow) (*reports.Job, error) {
	key := w.End.Format(models.DateLayout)
	r.tl.add("run:" + key)

	n := r.calls[key]
	r.calls[key]++
	if errs := r.results[key]; n < len(errs) && errs[n] != nil {
		return &reports.Job{Window: w, State: reports.JobFailed}, errs[n]
	}
	return &reports.Job{Window: w, ReportID: "R-" + key, State: reports.JobDownloaded, Rows: r.rows(w)}, nil
}

// memoryStore keeps rows keyed by (kind, period, item, window end).
type memoryStore struct {
	mu      sync.Mutex
	rows    map[string]models.ReportRow
	failFor string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]models.ReportRow{}}
}

func rowKey(r models.ReportRow) string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Kind, r.Period, r.ItemID, r.WindowEnd.Format(models.DateLayout))
}

func (s *memoryStore) StoredWindows(ctx context.Context, kinds []models.ReportKind, period models.Period) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]struct{}{}
	for _, r := range s.rows {
		if r.Period != period {
			continue
		}
		w := models.ReportWindow{Kind: r.Kind, Period: r.Period, End: r.WindowEnd}
		out[w.Key()] = struct{}{}
	}
	return out, nil
}

func (s *memoryStore) ReplaceWindow(ctx context.Context, w models.ReportWindow, rows []models.ReportRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failFor == w.End.Format(models.DateLayout) {
		return errors.New("disk full")
	}

	for _, r := range rows {
		delete(s.rows, rowKey(r))
	}
	for _, r := range rows {
		s.rows[rowKey(r)] = r
	}
	return nil
}

func (s *memoryStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var testNow = time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)

func testSchedulerConfig() Config {
	cfg := DefaultConfig()
	cfg.HorizonYears = 1
	return cfg
}

func newTestScheduler(runner ReportRunner, store WindowStore, tl *timeline) *Scheduler {
	return NewScheduler(runner, store, testSchedulerConfig(), nil,
		WithSleep(tl.sleep),
		WithClock(func() time.Time { return testNow }))
}

var (
	quotaErr    = &reports.APIError{StatusCode: http.StatusTooManyRequests, Code: "QuotaExceeded"}
	serverErr   = &reports.APIError{StatusCode: http.StatusServiceUnavailable}
	fatalJobErr = &reports.TerminalError{ReportID: "R1", Status: reports.StatusFatal}
)

func TestScheduler_FetchesAllWindows(t *testing.T) {
	tl := &timeline{}
	store := newMemoryStore()

	summary, err := newTestScheduler(newScriptedRunner(tl), store, tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, 11, summary.Fetched)
	assert.Equal(t, 22, summary.Rows)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, store.snapshot(), 22)
	assert.Equal(t, "run:2024-02-29", tl.events[0], "newest window first")
}

func TestScheduler_RerunSkipsStoredWindowsAndKeepsRows(t *testing.T) {
	tl := &timeline{}
	store := newMemoryStore()
	kinds := []models.ReportKind{models.ReportSales}

	_, err := newTestScheduler(newScriptedRunner(tl), store, tl).Run(context.Background(), kinds, models.PeriodMonth)
	require.NoError(t, err)
	before := store.snapshot()

	tl2 := &timeline{}
	runner := newScriptedRunner(tl2)
	summary, err := newTestScheduler(runner, store, tl2).Run(context.Background(), kinds, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, 11, summary.Skipped)
	assert.Equal(t, 0, summary.Fetched)
	assert.Empty(t, runner.calls, "no create call for stored windows")
	assert.Equal(t, before, store.snapshot())
}

func TestScheduler_RefetchIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	w := WindowContaining(models.PeriodMonth, date(2024, 2, 1))
	w.Kind = models.ReportSales

	runner := newScriptedRunner(&timeline{})
	job, err := runner.Run(context.Background(), w)
	require.NoError(t, err)

	require.NoError(t, store.ReplaceWindow(context.Background(), w, job.Rows))
	first := store.snapshot()
	require.NoError(t, store.ReplaceWindow(context.Background(), w, job.Rows))
	assert.Equal(t, first, store.snapshot())
}

func TestScheduler_QuotaSleepsBeforeRetryingSameWindow(t *testing.T) {
	tl := &timeline{}
	runner := newScriptedRunner(tl)
	runner.results["2024-02-29"] = []error{quotaErr}

	summary, err := newTestScheduler(runner, newMemoryStore(), tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run:2024-02-29",
		"sleep:10s",
		"sleep:5m0s",
		"run:2024-02-29",
		"sleep:10s",
		"run:2024-01-31",
	}, tl.events[:6])
	assert.Equal(t, 11, summary.Fetched)
}

func TestScheduler_TransientUsesShortBackoff(t *testing.T) {
	tl := &timeline{}
	runner := newScriptedRunner(tl)
	runner.results["2024-02-29"] = []error{serverErr, reports.ErrPollTimeout}

	summary, err := newTestScheduler(runner, newMemoryStore(), tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run:2024-02-29", "sleep:10s", "sleep:1m0s",
		"run:2024-02-29", "sleep:10s", "sleep:1m0s",
		"run:2024-02-29", "sleep:10s",
	}, tl.events[:8])
	assert.Equal(t, 11, summary.Fetched)
}

func TestScheduler_TerminalFailureIsAbandonedAndRunContinues(t *testing.T) {
	tl := &timeline{}
	runner := newScriptedRunner(tl)
	runner.results["2024-02-29"] = []error{fatalJobErr}

	summary, err := newTestScheduler(runner, newMemoryStore(), tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, 1, runner.calls["2024-02-29"], "terminal jobs are not retried")
	assert.Equal(t, 1, summary.Abandoned)
	assert.Equal(t, 10, summary.Fetched)
}

func TestScheduler_ExhaustedRetriesCountAsFailed(t *testing.T) {
	tl := &timeline{}
	runner := newScriptedRunner(tl)
	runner.results["2024-02-29"] = []error{serverErr, serverErr, serverErr}

	summary, err := newTestScheduler(runner, newMemoryStore(), tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, 3, runner.calls["2024-02-29"])
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 10, summary.Fetched)
}

func TestScheduler_AuthFailureAbortsRun(t *testing.T) {
	tl := &timeline{}
	runner := newScriptedRunner(tl)
	runner.results["2024-01-31"] = []error{fmt.Errorf("create report: %w", auth.ErrRefreshFailed)}

	summary, err := newTestScheduler(runner, newMemoryStore(), tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	assert.ErrorIs(t, err, auth.ErrRefreshFailed)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 2, len(runner.calls))
}

func TestScheduler_StoreFailureDoesNotAbort(t *testing.T) {
	tl := &timeline{}
	store := newMemoryStore()
	store.failFor = "2024-02-29"

	summary, err := newTestScheduler(newScriptedRunner(tl), store, tl).Run(context.Background(), []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 10, summary.Fetched)
}

func TestScheduler_CancelStopsRun(t *testing.T) {
	tl := &timeline{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newScriptedRunner(tl)
	_, err := newTestScheduler(runner, newMemoryStore(), tl).Run(ctx, []models.ReportKind{models.ReportSales}, models.PeriodMonth)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runner.calls)
}
