package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/parser"
)

type humanizer interface {
	Humanize(ctx context.Context) error
}

// PageScraper loads a product detail page and hands the rendered document
// to the HTML parser.
type PageScraper struct {
	driver           PageDriver
	parser           parser.Parser
	baseURL          string
	containerTimeout time.Duration
	humanize         bool
	logger           *slog.Logger
}

type PageScraperOptions struct {
	BaseURL          string
	ContainerTimeout time.Duration
	Humanize         bool
}

func NewPageScraper(d PageDriver, p parser.Parser, opts PageScraperOptions, logger *slog.Logger) *PageScraper {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.amazon.com"
	}
	if opts.ContainerTimeout <= 0 {
		opts.ContainerTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PageScraper{
		driver:           d,
		parser:           p,
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		containerTimeout: opts.ContainerTimeout,
		humanize:         opts.Humanize,
		logger:           logger.With("component", "page_scraper"),
	}
}

func (s *PageScraper) ProductURL(asin string) string {
	return fmt.Sprintf("%s/dp/%s", s.baseURL, asin)
}

// ScrapeItem loads the detail page and classifies it before extraction.
// Invalid pages (404, CAPTCHA, error text) short-circuit to an InvalidPage
// observation; a page that never shows a product container yields no data.
func (s *PageScraper) ScrapeItem(ctx context.Context, asin string) (*models.Observation, error) {
	url := s.ProductURL(asin)
	s.logger.Debug("scraping product", "asin", asin, "url", url)

	status, err := s.driver.Navigate(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	kind := s.detect(ctx, status)
	if kind == parser.PageNotFound || kind == parser.PageCaptcha {
		return s.invalid(asin, kind), nil
	}

	if kind != parser.PageProduct {
		if err := s.driver.WaitForAny(ctx, parser.ContainerSelectors, s.containerTimeout); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if kind := s.detect(ctx, status); kind.Invalid() {
				return s.invalid(asin, kind), nil
			}

			s.logger.Warn("product container missing", "asin", asin, "error", err)
			return nil, nil
		}
	}

	if s.humanize {
		if h, ok := s.driver.(humanizer); ok {
			if err := h.Humanize(ctx); err != nil {
				s.logger.Debug("failed to humanize interaction", "error", err)
			}
		}
	}

	html, err := s.driver.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}

	obs, err := s.parser.ParseProductPage(html, asin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse product page: %w", err)
	}

	s.logger.Debug("product parsed",
		"asin", asin,
		"availability", obs.Availability,
		"price", obs.Price,
		"seller", obs.SellerClass)

	return obs, nil
}

// detect snapshots the current document and classifies it. A failed snapshot
// leaves only the status to go on.
func (s *PageScraper) detect(ctx context.Context, status int) parser.PageKind {
	html, err := s.driver.Content(ctx)
	if err != nil {
		s.logger.Debug("page snapshot failed", "error", err)
		html = ""
	}
	return s.parser.DetectPage(html, status)
}

func (s *PageScraper) invalid(asin string, kind parser.PageKind) *models.Observation {
	var reason string
	switch kind {
	case parser.PageNotFound:
		reason = "HTTP 404"
	case parser.PageCaptcha:
		reason = "CAPTCHA"
	default:
		reason = "Error page"
	}

	s.logger.Info("invalid page detected", "asin", asin, "kind", kind.String())
	return models.InvalidPageObservation(asin, reason)
}
