package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/maltedev/vendor-feeds/internal/auth"
	"github.com/maltedev/vendor-feeds/internal/retry"
)

var (
	ErrPollTimeout   = errors.New("report did not finish within the poll budget")
	ErrUnknownStatus = errors.New("unknown report processing status")
	ErrNoDocument    = errors.New("report finished without a document id")
)

// APIError is a non-2xx response from the reports API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("reports api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("reports api %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) QuotaExceeded() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == "QuotaExceeded"
}

// TerminalError is a job that ended CANCELLED or FATAL on the provider side.
type TerminalError struct {
	ReportID string
	Status   Status
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("report %s ended with status %s", e.ReportID, e.Status)
}

// Classify maps report pipeline errors onto retry classes.
func Classify(err error) retry.Class {
	if errors.Is(err, auth.ErrRefreshFailed) || errors.Is(err, context.Canceled) {
		return retry.Fatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.QuotaExceeded():
			return retry.Quota
		case apiErr.StatusCode >= 500:
			return retry.Transient
		default:
			return retry.Terminal
		}
	}

	var termErr *TerminalError
	if errors.As(err, &termErr) {
		return retry.Terminal
	}
	if errors.Is(err, ErrUnknownStatus) || errors.Is(err, ErrNoDocument) {
		return retry.Terminal
	}

	return retry.Transient
}
