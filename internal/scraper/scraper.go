package scraper

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
)

var ErrScrapeTimeout = errors.New("scrape timed out")

// ItemScraper captures one observation for an ASIN. A nil observation with
// a nil error means the page loaded but could not be classified.
type ItemScraper interface {
	ScrapeItem(ctx context.Context, asin string) (*models.Observation, error)
}

// Session is the part of the browser session the worker drives.
type Session interface {
	Restart(ctx context.Context) error
	RecreatePage(ctx context.Context) error
	SaveCookies(ctx context.Context) error
}

// PageDriver is the live page surface the page scraper needs.
type PageDriver interface {
	Navigate(ctx context.Context, url string) (int, error)
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
}

type ItemSource interface {
	ListTrackedItems(ctx context.Context) ([]models.TrackedItem, error)
}

type ObservationSink interface {
	SaveObservation(ctx context.Context, obs *models.Observation) error
}

// Pacer spaces consecutive items.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Outcome of a single completed scrape attempt.
type Outcome int

const (
	OutcomeObservation Outcome = iota
	OutcomeNoData
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeObservation:
		return "observation"
	case OutcomeNoData:
		return "no_data"
	}
	return "error"
}
