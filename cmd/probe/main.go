package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/vendor-feeds/internal/app"
	"github.com/maltedev/vendor-feeds/internal/backfill"
	"github.com/maltedev/vendor-feeds/internal/models"
)

func main() {
	var (
		kind   = flag.String("kind", "sales", "Report kind to probe")
		period = flag.String("period", "month", "Window period: week or month")
	)
	flag.Parse()

	if err := run(*kind, *period); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type boundaryReport struct {
	Kind         models.ReportKind `json:"kind"`
	Period       models.Period     `json:"period"`
	LastSuccess  *probeLine        `json:"last_success"`
	FirstFailure *probeLine        `json:"first_failure"`
	Probes       []probeLine       `json:"probes"`
}

type probeLine struct {
	OffsetMonths int    `json:"offset_months"`
	Window       string `json:"window"`
	Success      bool   `json:"success"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
}

func toLine(r *backfill.ProbeResult) *probeLine {
	if r == nil {
		return nil
	}
	line := &probeLine{
		OffsetMonths: r.OffsetMonths,
		Window:       r.Window.Start.Format(models.DateLayout) + ".." + r.Window.End.Format(models.DateLayout),
		Success:      r.Success,
		State:        r.State.String(),
	}
	if r.Err != nil {
		line.Error = r.Err.Error()
	}
	return line
}

func run(kindFlag, periodFlag string) error {
	kind, err := models.ParseReportKind(kindFlag)
	if err != nil {
		return err
	}
	period, err := models.ParsePeriod(periodFlag)
	if err != nil {
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, cfg, "probe")
	if err != nil {
		return err
	}
	defer rt.Close()

	client, err := rt.NewReportClient(ctx)
	if err != nil {
		return err
	}

	prober := backfill.NewProber(client, cfg.Backfill.ProbeOffsets, cfg.Backfill.ProbeDelay, rt.Logger)
	boundary, err := prober.Probe(ctx, kind, period)
	if err != nil {
		return fmt.Errorf("probe aborted: %w", err)
	}

	report := boundaryReport{
		Kind:         kind,
		Period:       period,
		LastSuccess:  toLine(boundary.LastSuccess),
		FirstFailure: toLine(boundary.FirstFailure),
	}
	for i := range boundary.Results {
		report.Probes = append(report.Probes, *toLine(&boundary.Results[i]))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
