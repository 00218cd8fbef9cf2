package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/vendor-feeds/internal/app"
	"github.com/maltedev/vendor-feeds/internal/browser"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/maltedev/vendor-feeds/internal/metrics"
	"github.com/maltedev/vendor-feeds/internal/parser"
	"github.com/maltedev/vendor-feeds/internal/ratelimit"
	"github.com/maltedev/vendor-feeds/internal/scraper"
)

func main() {
	var (
		once     = flag.Bool("once", false, "Run a single pass over tracked items and exit")
		headless = flag.Bool("headless", true, "Run browser in headless mode")
	)
	flag.Parse()

	if err := run(*once, *headless); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(once, headless bool) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, cfg, "scraper")
	if err != nil {
		return err
	}
	logger := rt.Logger

	session := browser.NewSession(&browser.Options{
		Headless:          headless && cfg.Browser.Headless,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		StepTimeout:       cfg.Browser.StepTimeout,
		UserAgent:         cfg.Browser.UserAgent,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		AcceptLanguage:    cfg.Browser.AcceptLanguage,
		TimezoneID:        cfg.Browser.TimezoneID,
		Locale:            cfg.Browser.Locale,
		ProxyServer:       cfg.Browser.ProxyServer,
		CookiePath:        cfg.Browser.CookiePath,
	}, logger)
	if err := session.Launch(ctx); err != nil {
		rt.Close()
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close browser", "error", err)
		}
	}()

	pageScraper := scraper.NewPageScraper(session, parser.NewAmazonParser().WithLogger(logger), scraper.PageScraperOptions{
		BaseURL:          cfg.Scraper.BaseURL,
		ContainerTimeout: cfg.Browser.ContainerTimeout,
		Humanize:         true,
	}, logger)

	worker := scraper.NewWorker(
		session,
		pageScraper,
		database.NewItemStore(rt.DB),
		database.NewObservationStore(rt.DB, rt.Outbox),
		ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax),
		scraper.WorkerConfig{
			ItemTimeout:            cfg.Scraper.ItemTimeout,
			RestartEvery:           cfg.Scraper.RestartEvery,
			MaxConsecutiveFailures: cfg.Scraper.MaxConsecutiveFailures,
			StallTimeout:           cfg.Scraper.StallTimeout,
			SessionTimeout:         cfg.Scraper.SessionTimeout,
			PersistTimeout:         cfg.Scraper.PersistTimeout,
			CookieCheckpointRate:   cfg.Scraper.CookieCheckpointRate,
			PassInterval:           cfg.Scraper.PassInterval,
		},
		logger,
		scraper.WithMetrics(metrics.NewScraper(rt.Registry)),
	)

	if err := rt.StartBackground(ctx, func() any { return worker.Status() }); err != nil {
		stop()
		rt.Close()
		return err
	}
	defer rt.Close()
	defer stop()

	logger.Info("scraper started", "once", once)

	if once {
		stats, err := worker.RunPass(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("scrape pass failed: %w", err)
		}
		logger.Info("scrape pass finished",
			"processed", stats.Processed,
			"observed", stats.Observed,
			"no_data", stats.NoData,
			"failed", stats.Failed,
			"restarts", stats.Restarts,
			"persist_failed", stats.PersistFailed)
		return nil
	}

	return worker.Run(ctx)
}
