package scraper

import (
	"sync"
	"time"
)

// Watchdog tracks the time since the last completed scrape attempt.
type Watchdog struct {
	mu        sync.Mutex
	last      time.Time
	threshold time.Duration
	now       func() time.Time
}

func NewWatchdog(threshold time.Duration, now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{threshold: threshold, now: now, last: now()}
}

// Touch records progress.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
}

func (w *Watchdog) LastProgress() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watchdog) SinceProgress() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.last)
}

// Stalled is always false for a non-positive threshold.
func (w *Watchdog) Stalled() bool {
	if w.threshold <= 0 {
		return false
	}
	return w.SinceProgress() >= w.threshold
}
