package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReportKind is the provider's report type identifier.
type ReportKind string

const (
	ReportSales     ReportKind = "GET_VENDOR_SALES_REPORT"
	ReportTraffic   ReportKind = "GET_VENDOR_TRAFFIC_REPORT"
	ReportInventory ReportKind = "GET_VENDOR_INVENTORY_REPORT"
	ReportMargin    ReportKind = "GET_VENDOR_NET_PURE_PRODUCT_MARGIN_REPORT"
)

// AllReportKinds lists every kind the backfill knows how to fetch.
var AllReportKinds = []ReportKind{ReportSales, ReportTraffic, ReportInventory, ReportMargin}

// ParseReportKind accepts either the provider identifier or a short alias.
func ParseReportKind(s string) (ReportKind, error) {
	switch s {
	case "sales", string(ReportSales):
		return ReportSales, nil
	case "traffic", string(ReportTraffic):
		return ReportTraffic, nil
	case "inventory", string(ReportInventory):
		return ReportInventory, nil
	case "margin", string(ReportMargin):
		return ReportMargin, nil
	}
	return "", fmt.Errorf("unknown report kind %q", s)
}

// Period is the aggregation granularity of a report window.
type Period string

const (
	PeriodWeek  Period = "WEEK"
	PeriodMonth Period = "MONTH"
)

func ParsePeriod(s string) (Period, error) {
	switch s {
	case "week", "WEEK":
		return PeriodWeek, nil
	case "month", "MONTH":
		return PeriodMonth, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// DateLayout is used for window bounds on the wire and in the store.
const DateLayout = "2006-01-02"

// ReportWindow is a calendar-aligned, inclusive date range.
type ReportWindow struct {
	Kind   ReportKind `json:"kind"`
	Period Period     `json:"period"`
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
}

// Key identifies a window in the store.
func (w ReportWindow) Key() string {
	return string(w.Kind) + "|" + w.End.Format(DateLayout)
}

func (w ReportWindow) String() string {
	return fmt.Sprintf("%s %s %s..%s", w.Kind, w.Period, w.Start.Format(DateLayout), w.End.Format(DateLayout))
}

// ReportRow is one normalized per-item record of a downloaded report.
type ReportRow struct {
	Kind        ReportKind      `json:"kind"`
	ItemID      string          `json:"item_id"`
	Period      Period          `json:"period"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Payload     json.RawMessage `json:"payload"`
}

// TokenState is the single OAuth token row.
type TokenState struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ValidFor reports whether the access token outlives now+margin.
func (t *TokenState) ValidFor(now time.Time, margin time.Duration) bool {
	return t != nil && t.AccessToken != "" && t.ExpiresAt.After(now.Add(margin))
}
