package backfill

import (
	"testing"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindowContaining(t *testing.T) {
	w := WindowContaining(models.PeriodWeek, time.Date(2024, 3, 13, 15, 4, 0, 0, time.UTC))
	assert.Equal(t, date(2024, 3, 10), w.Start)
	assert.Equal(t, date(2024, 3, 16), w.End)
	assert.Equal(t, time.Sunday, w.Start.Weekday())
	assert.Equal(t, time.Saturday, w.End.Weekday())

	w = WindowContaining(models.PeriodWeek, date(2024, 3, 10))
	assert.Equal(t, date(2024, 3, 10), w.Start, "a Sunday starts its own week")

	m := WindowContaining(models.PeriodMonth, date(2024, 2, 10))
	assert.Equal(t, date(2024, 2, 1), m.Start)
	assert.Equal(t, date(2024, 2, 29), m.End)
}

func TestWindows_Weekly(t *testing.T) {
	now := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	ws := Windows(models.PeriodWeek, now, 3)

	require.Len(t, ws, 156)
	assert.Equal(t, date(2024, 3, 3), ws[0].Start)
	assert.Equal(t, date(2024, 3, 9), ws[0].End)

	horizon := date(2021, 3, 13)
	for i, w := range ws {
		assert.Equal(t, time.Sunday, w.Start.Weekday())
		assert.Equal(t, w.Start.AddDate(0, 0, 6), w.End)
		assert.False(t, w.Start.Before(horizon))
		if i > 0 {
			assert.Equal(t, ws[i-1].Start.AddDate(0, 0, -1), w.End, "windows are contiguous and descending")
		}
	}
	assert.True(t, ws[len(ws)-1].Start.AddDate(0, 0, -7).Before(horizon))
}

func TestWindows_Monthly(t *testing.T) {
	now := time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC)
	ws := Windows(models.PeriodMonth, now, 3)

	require.Len(t, ws, 35)
	assert.Equal(t, date(2024, 2, 1), ws[0].Start)
	assert.Equal(t, date(2024, 2, 29), ws[0].End)
	assert.Equal(t, date(2021, 4, 1), ws[len(ws)-1].Start)

	for i, w := range ws {
		assert.Equal(t, 1, w.Start.Day())
		assert.Equal(t, w.Start.AddDate(0, 1, -1), w.End)
		if i > 0 {
			assert.Equal(t, ws[i-1].Start.AddDate(0, 0, -1), w.End)
		}
	}
}

func TestWindows_FirstOfMonthExcludesCurrentMonth(t *testing.T) {
	ws := Windows(models.PeriodMonth, date(2024, 3, 1), 1)
	require.NotEmpty(t, ws)
	assert.Equal(t, date(2024, 2, 1), ws[0].Start)
}

func TestForKind(t *testing.T) {
	ws := ForKind(models.ReportSales, Windows(models.PeriodMonth, date(2024, 3, 1), 1))
	for _, w := range ws {
		assert.Equal(t, models.ReportSales, w.Kind)
	}
}
