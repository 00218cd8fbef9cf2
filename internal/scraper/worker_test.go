package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type MockSession struct {
	mock.Mock
	log *eventLog
}

func (m *MockSession) Restart(ctx context.Context) error {
	m.log.add("restart")
	return m.Called(ctx).Error(0)
}

func (m *MockSession) RecreatePage(ctx context.Context) error {
	m.log.add("recreate")
	return m.Called(ctx).Error(0)
}

func (m *MockSession) SaveCookies(ctx context.Context) error {
	m.log.add("cookies")
	return m.Called(ctx).Error(0)
}

type scriptedScraper struct {
	log    *eventLog
	script func(n int, asin string) (*models.Observation, error)

	mu    sync.Mutex
	calls int
}

func (s *scriptedScraper) ScrapeItem(ctx context.Context, asin string) (*models.Observation, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	s.log.add("scrape:" + asin)
	return s.script(n, asin)
}

type staticSource []models.TrackedItem

func (s staticSource) ListTrackedItems(ctx context.Context) ([]models.TrackedItem, error) {
	return s, nil
}

type memorySink struct {
	mu    sync.Mutex
	saved []*models.Observation
	err   error
	hook  func()
}

func (s *memorySink) SaveObservation(ctx context.Context, obs *models.Observation) error {
	if s.hook != nil {
		s.hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, obs)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func items(n int) staticSource {
	out := make(staticSource, n)
	for i := range out {
		out[i] = models.TrackedItem{ASIN: fmt.Sprintf("B%09d", i+1)}
	}
	return out
}

func testConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.ItemTimeout = time.Second
	cfg.CookieCheckpointRate = 0
	return cfg
}

func newTestWorker(t *testing.T, cfg WorkerConfig, src ItemSource, sc *scriptedScraper, sink *memorySink, clock *testClock, rnd float64) (*Worker, *MockSession, *eventLog) {
	t.Helper()

	log := sc.log
	session := &MockSession{log: log}
	session.On("Restart", mock.Anything).Return(nil).Maybe()
	session.On("RecreatePage", mock.Anything).Return(nil).Maybe()
	session.On("SaveCookies", mock.Anything).Return(nil).Maybe()

	if clock == nil {
		clock = &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	}

	w := NewWorker(session, sc, src, sink, nil, cfg, nil,
		WithClock(clock.now),
		WithRand(func() float64 { return rnd }),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	return w, session, log
}

func inStock(n int, asin string) (*models.Observation, error) {
	obs := models.NewObservation(asin)
	obs.Availability = models.AvailabilityInStock
	return obs, nil
}

func TestWorker_ThreeConsecutiveErrorsRestartBeforeFourthAttempt(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		if n <= 3 {
			return nil, errors.New("navigation failed")
		}
		return inStock(n, asin)
	}}
	sink := &memorySink{}

	w, session, _ := newTestWorker(t, testConfig(), items(4), sc, sink, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"scrape:B000000001",
		"scrape:B000000002",
		"scrape:B000000003",
		"restart",
		"scrape:B000000004",
	}, log.snapshot())
	session.AssertNumberOfCalls(t, "Restart", 1)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 1, stats.Observed)
	assert.Equal(t, 1, stats.Restarts)
	assert.Len(t, sink.saved, 1)
	assert.Equal(t, 0, w.Status().ConsecutiveFailures)
}

func TestWorker_NoDataCountsTowardFailures(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		return nil, nil
	}}

	w, session, _ := newTestWorker(t, testConfig(), items(4), sc, &memorySink{}, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.NoData)
	session.AssertNumberOfCalls(t, "Restart", 1)
}

func TestWorker_SuccessResetsFailureCounter(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		if n%3 == 0 {
			return inStock(n, asin)
		}
		return nil, errors.New("boom")
	}}

	w, session, _ := newTestWorker(t, testConfig(), items(9), sc, &memorySink{}, nil, 1)

	_, err := w.RunPass(context.Background())
	require.NoError(t, err)
	session.AssertNotCalled(t, "Restart", mock.Anything)
}

func TestWorker_LeakGuardRestart(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: inStock}

	cfg := testConfig()
	cfg.RestartEvery = 2
	w, session, _ := newTestWorker(t, cfg, items(5), sc, &memorySink{}, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)

	session.AssertNumberOfCalls(t, "Restart", 2)
	assert.Equal(t, []string{
		"scrape:B000000001",
		"scrape:B000000002",
		"restart",
		"scrape:B000000003",
		"scrape:B000000004",
		"restart",
		"scrape:B000000005",
	}, log.snapshot())
	assert.Equal(t, 5, stats.Observed)
}

func TestWorker_StallWatchdogRestarts(t *testing.T) {
	log := &eventLog{}
	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	sc := &scriptedScraper{log: log, script: inStock}

	slowOnce := true
	sink := &memorySink{hook: func() {
		if slowOnce {
			slowOnce = false
			clock.advance(121 * time.Second)
		}
	}}

	w, session, _ := newTestWorker(t, testConfig(), items(2), sc, sink, clock, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)

	session.AssertNumberOfCalls(t, "Restart", 1)
	assert.Equal(t, []string{"scrape:B000000001", "restart", "scrape:B000000002"}, log.snapshot())
	assert.Equal(t, 1, stats.Restarts)
}

func TestWorker_TimeoutRecreatesPage(t *testing.T) {
	log := &eventLog{}
	release := make(chan struct{})
	defer close(release)

	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		if n == 1 {
			<-release
		}
		return inStock(n, asin)
	}}

	cfg := testConfig()
	cfg.ItemTimeout = 20 * time.Millisecond
	w, session, _ := newTestWorker(t, cfg, items(2), sc, &memorySink{}, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)

	session.AssertNumberOfCalls(t, "RecreatePage", 1)
	session.AssertNotCalled(t, "Restart", mock.Anything)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Observed)
}

func TestWorker_TimeoutEscalatesWhenRecreateFails(t *testing.T) {
	log := &eventLog{}
	release := make(chan struct{})
	defer close(release)

	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		<-release
		return nil, nil
	}}

	cfg := testConfig()
	cfg.ItemTimeout = 20 * time.Millisecond

	session := &MockSession{log: log}
	session.On("RecreatePage", mock.Anything).Return(errors.New("page crashed"))
	session.On("Restart", mock.Anything).Return(errors.New("chromium gone"))

	w := NewWorker(session, sc, items(1), &memorySink{}, nil, cfg, nil,
		WithRand(func() float64 { return 1 }))

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err, "a failed restart of last resort must not end the pass")

	session.AssertNumberOfCalls(t, "RecreatePage", 1)
	session.AssertNumberOfCalls(t, "Restart", 1)
	assert.Equal(t, 1, stats.Restarts)
}

func TestWorker_PanicIsIsolated(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		if n == 1 {
			panic("nil page")
		}
		return inStock(n, asin)
	}}
	sink := &memorySink{}

	w, _, _ := newTestWorker(t, testConfig(), items(2), sc, sink, nil, 1)

	var stats PassStats
	var err error
	assert.NotPanics(t, func() { stats, err = w.RunPass(context.Background()) })
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, sink.saved, 1)
}

func TestWorker_PersistFailureDoesNotEscape(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: inStock}
	sink := &memorySink{err: errors.New("db down")}

	w, _, _ := newTestWorker(t, testConfig(), items(3), sc, sink, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PersistFailed)
	assert.Equal(t, 3, stats.Observed)
}

func TestWorker_CookieCheckpoint(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: inStock}

	cfg := testConfig()
	cfg.CookieCheckpointRate = 0.2

	w, session, _ := newTestWorker(t, cfg, items(3), sc, &memorySink{}, nil, 0.1)
	_, err := w.RunPass(context.Background())
	require.NoError(t, err)
	session.AssertNumberOfCalls(t, "SaveCookies", 3)

	w, session, _ = newTestWorker(t, cfg, items(3), &scriptedScraper{log: &eventLog{}, script: inStock}, &memorySink{}, nil, 0.5)
	_, err = w.RunPass(context.Background())
	require.NoError(t, err)
	session.AssertNotCalled(t, "SaveCookies", mock.Anything)
}

func TestWorker_SkipsInvalidItemIDs(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: inStock}
	src := staticSource{{ASIN: "bad"}, {ASIN: "B000000001"}}

	w, _, _ := newTestWorker(t, testConfig(), src, sc, &memorySink{}, nil, 1)

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []string{"scrape:B000000001"}, log.snapshot())
}

func TestWorker_StopsOnCancel(t *testing.T) {
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())

	sc := &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		cancel()
		return inStock(n, asin)
	}}

	w, _, _ := newTestWorker(t, testConfig(), items(5), sc, &memorySink{}, nil, 1)

	_, err := w.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, log.snapshot(), 1)
}

func TestWatchdog(t *testing.T) {
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	wd := NewWatchdog(120*time.Second, clock.now)

	assert.False(t, wd.Stalled())
	clock.advance(119 * time.Second)
	assert.False(t, wd.Stalled())
	clock.advance(time.Second)
	assert.True(t, wd.Stalled())

	wd.Touch()
	assert.False(t, wd.Stalled())
	assert.Equal(t, clock.now(), wd.LastProgress())
}

// wedgedSession hangs in RecreatePage and ignores its context, like a
// browser whose NewPage never answers.
type wedgedSession struct {
	release chan struct{}

	mu       sync.Mutex
	restarts int
}

func (s *wedgedSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	return nil
}

func (s *wedgedSession) RecreatePage(ctx context.Context) error {
	<-s.release
	return nil
}

func (s *wedgedSession) SaveCookies(ctx context.Context) error { return nil }

func (s *wedgedSession) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func blockFirstScrape(log *eventLog, release chan struct{}) *scriptedScraper {
	return &scriptedScraper{log: log, script: func(n int, asin string) (*models.Observation, error) {
		if n == 1 {
			<-release
		}
		return inStock(n, asin)
	}}
}

func TestWorker_WatchdogRestartsWhileLoopIsBlocked(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session := &wedgedSession{release: release}

	cfg := testConfig()
	cfg.ItemTimeout = 20 * time.Millisecond
	cfg.StallTimeout = 50 * time.Millisecond
	cfg.SessionTimeout = time.Hour

	w := NewWorker(session, blockFirstScrape(&eventLog{}, release), items(2), &memorySink{}, nil, cfg, nil,
		WithRand(func() float64 { return 1 }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := w.RunPass(ctx)
		done <- err
	}()

	assert.Eventually(t, func() bool { return session.restartCount() >= 1 }, 2*time.Second, 10*time.Millisecond,
		"the watchdog must restart the browser while the loop is stuck")
	assert.GreaterOrEqual(t, w.Status().Restarts, 1)

	select {
	case <-done:
		t.Fatal("pass returned while the page recreation was still hung")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not return after cancellation")
	}
}

func TestWorker_HungPageRecreationEscalatesToRestart(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session := &wedgedSession{release: release}

	cfg := testConfig()
	cfg.ItemTimeout = 20 * time.Millisecond
	cfg.SessionTimeout = 30 * time.Millisecond

	log := &eventLog{}
	sink := &memorySink{}
	w := NewWorker(session, blockFirstScrape(log, release), items(2), sink, nil, cfg, nil,
		WithRand(func() float64 { return 1 }))

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, session.restartCount())
	assert.Equal(t, 1, stats.Restarts)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Observed)
	assert.Len(t, sink.saved, 1)
}

// stuckSink blocks until its context ends.
type stuckSink struct {
	hadDeadline bool
}

func (s *stuckSink) SaveObservation(ctx context.Context, obs *models.Observation) error {
	_, s.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestWorker_PersistHasDeadline(t *testing.T) {
	log := &eventLog{}
	sc := &scriptedScraper{log: log, script: inStock}
	sink := &stuckSink{}

	cfg := testConfig()
	cfg.PersistTimeout = 20 * time.Millisecond

	session := &MockSession{log: log}
	session.On("Restart", mock.Anything).Return(nil).Maybe()
	w := NewWorker(session, sc, items(1), sink, nil, cfg, nil,
		WithRand(func() float64 { return 1 }))

	stats, err := w.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, sink.hadDeadline)
	assert.Equal(t, 1, stats.PersistFailed)
	assert.Equal(t, 1, stats.Observed)
}
