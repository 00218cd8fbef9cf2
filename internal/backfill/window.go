package backfill

import (
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
)

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowContaining returns the calendar-aligned window holding t. Weeks run
// Sunday to Saturday, months first to last day; both bounds are inclusive.
func WindowContaining(period models.Period, t time.Time) models.ReportWindow {
	d := day(t)

	if period == models.PeriodMonth {
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return models.ReportWindow{
			Period: period,
			Start:  start,
			End:    start.AddDate(0, 1, -1),
		}
	}

	start := d.AddDate(0, 0, -int(d.Weekday()))
	return models.ReportWindow{
		Period: models.PeriodWeek,
		Start:  start,
		End:    start.AddDate(0, 0, 6),
	}
}

// Windows lists the fully elapsed windows inside the horizon, newest first.
// Kind is left empty for the caller to fill.
func Windows(period models.Period, now time.Time, horizonYears int) []models.ReportWindow {
	horizon := day(now).AddDate(-horizonYears, 0, 0)
	current := WindowContaining(period, now)

	var out []models.ReportWindow
	w := WindowContaining(period, current.Start.AddDate(0, 0, -1))
	for !w.Start.Before(horizon) {
		out = append(out, w)
		w = WindowContaining(period, w.Start.AddDate(0, 0, -1))
	}
	return out
}

// ForKind stamps kind onto every window.
func ForKind(kind models.ReportKind, windows []models.ReportWindow) []models.ReportWindow {
	out := make([]models.ReportWindow, len(windows))
	for i, w := range windows {
		w.Kind = kind
		out[i] = w
	}
	return out
}
