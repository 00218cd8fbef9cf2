package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maltedev/vendor-feeds/internal/app"
	"github.com/maltedev/vendor-feeds/internal/backfill"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/maltedev/vendor-feeds/internal/metrics"
	"github.com/maltedev/vendor-feeds/internal/models"
)

func main() {
	var (
		period = flag.String("period", "week", "Window period: week or month")
		kinds  = flag.String("kinds", "sales,traffic,inventory,margin", "Comma-separated report kinds")
	)
	flag.Parse()

	if err := run(*period, *kinds); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseKinds(s string) ([]models.ReportKind, error) {
	var out []models.ReportKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, err := models.ParseReportKind(part)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no report kinds given")
	}
	return out, nil
}

func run(periodFlag, kindsFlag string) error {
	period, err := models.ParsePeriod(periodFlag)
	if err != nil {
		return err
	}
	kinds, err := parseKinds(kindsFlag)
	if err != nil {
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, cfg, "backfill")
	if err != nil {
		return err
	}
	logger := rt.Logger

	client, err := rt.NewReportClient(ctx)
	if err != nil {
		rt.Close()
		return err
	}

	scheduler := backfill.NewScheduler(client, database.NewReportStore(rt.DB, rt.Outbox), backfill.Config{
		HorizonYears:      cfg.Backfill.HorizonYears,
		MaxAttempts:       cfg.Backfill.MaxAttempts,
		RetryBackoff:      cfg.Backfill.RetryBackoff,
		QuotaBackoff:      cfg.Backfill.QuotaBackoff,
		InterRequestDelay: cfg.Backfill.InterRequestDelay,
	}, logger, backfill.WithMetrics(metrics.NewBackfill(rt.Registry)))

	if err := rt.StartBackground(ctx, nil); err != nil {
		stop()
		rt.Close()
		return err
	}
	defer rt.Close()
	defer stop()

	summary, err := scheduler.Run(ctx, kinds, period)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("backfill interrupted, rerun to resume", "fetched", summary.Fetched)
			return nil
		}
		return fmt.Errorf("backfill aborted: %w", err)
	}
	return nil
}
