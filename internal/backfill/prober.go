package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/reports"
	"github.com/maltedev/vendor-feeds/internal/retry"
)

// JobPoller runs create and poll without downloading.
type JobPoller interface {
	CreateAndPoll(ctx context.Context, window models.ReportWindow) (*reports.Job, error)
}

var DefaultProbeOffsets = []int{1, 3, 6, 12, 18, 24, 30, 36}

type ProbeResult struct {
	OffsetMonths int
	Window       models.ReportWindow
	Success      bool
	State        reports.JobState
	Err          error
}

// Boundary is where provider history runs out. Either side may be nil when
// probing never crossed it.
type Boundary struct {
	LastSuccess  *ProbeResult
	FirstFailure *ProbeResult
	Results      []ProbeResult
}

type Prober struct {
	poller  JobPoller
	offsets []int
	delay   time.Duration
	sleep   retry.SleepFunc
	now     func() time.Time
	logger  *slog.Logger
}

func NewProber(poller JobPoller, offsets []int, delay time.Duration, logger *slog.Logger) *Prober {
	if len(offsets) == 0 {
		offsets = DefaultProbeOffsets
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		poller:  poller,
		offsets: offsets,
		delay:   delay,
		sleep:   retry.Sleep,
		now:     time.Now,
		logger:  logger.With("component", "prober"),
	}
}

// Probe walks the offsets in order and stops at the first failure that
// follows a success.
func (p *Prober) Probe(ctx context.Context, kind models.ReportKind, period models.Period) (Boundary, error) {
	var b Boundary
	now := p.now()

	for i, offset := range p.offsets {
		if i > 0 {
			if err := p.sleep(ctx, p.delay); err != nil {
				return b, err
			}
		}

		w := WindowContaining(period, now.AddDate(0, -offset, 0))
		w.Kind = kind

		job, err := p.poller.CreateAndPoll(ctx, w)
		if ctx.Err() != nil {
			return b, ctx.Err()
		}
		if err != nil && reports.Classify(err) == retry.Fatal {
			return b, err
		}

		res := ProbeResult{OffsetMonths: offset, Window: w, Success: err == nil, Err: err}
		if job != nil {
			res.State = job.State
		}
		b.Results = append(b.Results, res)
		p.logger.Info("probe result",
			"offset_months", offset,
			"window", w.String(),
			"success", res.Success,
			"error", err)

		r := res
		if res.Success {
			b.LastSuccess = &r
			// an earlier failure before any success is not the boundary
			b.FirstFailure = nil
			continue
		}
		if b.LastSuccess != nil {
			b.FirstFailure = &r
			break
		}
		if b.FirstFailure == nil {
			b.FirstFailure = &r
		}
	}

	return b, nil
}
