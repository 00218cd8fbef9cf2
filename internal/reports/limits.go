package reports

import (
	"time"

	"golang.org/x/time/rate"
)

// Limits holds one client-side limiter per API operation.
type Limits struct {
	CreateReport      *rate.Limiter
	GetReport         *rate.Limiter
	GetReportDocument *rate.Limiter
}

// DefaultLimits mirrors the provider's published per-operation quotas.
func DefaultLimits() Limits {
	return Limits{
		CreateReport:      rate.NewLimiter(rate.Every(time.Minute), 1),
		GetReport:         rate.NewLimiter(2, 15),
		GetReportDocument: rate.NewLimiter(0.0167, 15),
	}
}

// Unlimited disables client-side pacing.
func Unlimited() Limits {
	return Limits{
		CreateReport:      rate.NewLimiter(rate.Inf, 1),
		GetReport:         rate.NewLimiter(rate.Inf, 1),
		GetReportDocument: rate.NewLimiter(rate.Inf, 1),
	}
}
