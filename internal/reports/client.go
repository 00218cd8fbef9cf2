package reports

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"github.com/maltedev/vendor-feeds/internal/retry"
	"golang.org/x/time/rate"
)

const apiBase = "/reports/2021-06-30"

// TokenSource supplies the access token sent with every call.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Config struct {
	Endpoint      string
	MarketplaceID string
	PollInterval  time.Duration
	PollAttempts  int
	HTTPTimeout   time.Duration
}

// Client drives the create, poll and download phases of a report job.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	limits Limits
	sleep  retry.SleepFunc
	logger *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLimits(l Limits) Option {
	return func(cl *Client) { cl.limits = l }
}

func WithSleep(s retry.SleepFunc) Option {
	return func(cl *Client) { cl.sleep = s }
}

func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger, opts ...Option) *Client {
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		limits: DefaultLimits(),
		sleep:  retry.Sleep,
		logger: logger.With("component", "report_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Endpoint = strings.TrimRight(c.cfg.Endpoint, "/")
	return c
}

type CreateRequest struct {
	ReportType     models.ReportKind `json:"reportType"`
	MarketplaceIDs []string          `json:"marketplaceIds"`
	DataStartTime  string            `json:"dataStartTime"`
	DataEndTime    string            `json:"dataEndTime"`
	ReportOptions  map[string]string `json:"reportOptions,omitempty"`
}

// NewCreateRequest builds the create body for a window, including the
// options each kind requires.
func NewCreateRequest(w models.ReportWindow, marketplaceID string) CreateRequest {
	opts := map[string]string{"reportPeriod": string(w.Period)}
	switch w.Kind {
	case models.ReportSales, models.ReportInventory:
		opts["distributorView"] = "MANUFACTURING"
		opts["sellingProgram"] = "RETAIL"
	}

	return CreateRequest{
		ReportType:     w.Kind,
		MarketplaceIDs: []string{marketplaceID},
		DataStartTime:  w.Start.Format(models.DateLayout) + "T00:00:00Z",
		DataEndTime:    w.End.Format(models.DateLayout) + "T23:59:59Z",
		ReportOptions:  opts,
	}
}

type createResponse struct {
	ReportID string `json:"reportId"`
}

type reportResponse struct {
	ReportID         string `json:"reportId"`
	ProcessingStatus string `json:"processingStatus"`
	ReportDocumentID string `json:"reportDocumentId"`
}

type documentResponse struct {
	ReportDocumentID     string `json:"reportDocumentId"`
	URL                  string `json:"url"`
	CompressionAlgorithm string `json:"compressionAlgorithm"`
}

type errorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Create submits a report request and returns its id.
func (c *Client) Create(ctx context.Context, req CreateRequest) (string, error) {
	var resp createResponse
	if err := c.call(ctx, c.limits.CreateReport, http.MethodPost, apiBase+"/reports", req, &resp); err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if resp.ReportID == "" {
		return "", &APIError{StatusCode: http.StatusAccepted, Message: "response carried no reportId"}
	}
	return resp.ReportID, nil
}

// Poll checks the job status at a fixed interval until it is DONE, ends
// CANCELLED/FATAL, or the attempt budget is spent. Status-call failures that
// are retryable count as a spent attempt.
func (c *Client) Poll(ctx context.Context, reportID string) (string, error) {
	logger := c.logger.With("report_id", reportID)

	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		var resp reportResponse
		err := c.call(ctx, c.limits.GetReport, http.MethodGet, apiBase+"/reports/"+reportID, nil, &resp)

		if err != nil {
			if class := Classify(err); class == retry.Terminal || class == retry.Fatal {
				return "", fmt.Errorf("get report: %w", err)
			}
			logger.Warn("status check failed", "attempt", attempt, "error", err)
		} else {
			status, err := ParseStatus(resp.ProcessingStatus)
			if err != nil {
				return "", err
			}

			switch status {
			case StatusDone:
				if resp.ReportDocumentID == "" {
					return "", ErrNoDocument
				}
				return resp.ReportDocumentID, nil
			case StatusCancelled, StatusFatal:
				return "", &TerminalError{ReportID: reportID, Status: status}
			}
			logger.Debug("report pending", "status", status.String(), "attempt", attempt)
		}

		if attempt < c.cfg.PollAttempts {
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("%w: report %s after %d checks", ErrPollTimeout, reportID, c.cfg.PollAttempts)
}

// Download resolves the document and returns its decompressed content.
func (c *Client) Download(ctx context.Context, documentID string) ([]byte, error) {
	var doc documentResponse
	if err := c.call(ctx, c.limits.GetReportDocument, http.MethodGet, apiBase+"/documents/"+documentID, nil, &doc); err != nil {
		return nil, fmt.Errorf("get report document: %w", err)
	}
	if doc.URL == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "document carried no url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build document request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var reader io.Reader = resp.Body
	if strings.EqualFold(doc.CompressionAlgorithm, "GZIP") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip document: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return content, nil
}

// Job is the outcome of one create/poll/download cycle.
type Job struct {
	Window     models.ReportWindow
	ReportID   string
	DocumentID string
	State      JobState
	Rows       []models.ReportRow
}

func (j *Job) transition(to JobState) {
	if !CanTransition(j.State, to) {
		panic(fmt.Sprintf("illegal report job transition %s -> %s", j.State, to))
	}
	j.State = to
}

// Run drives a full job for window and returns the normalized rows.
func (c *Client) Run(ctx context.Context, window models.ReportWindow) (*Job, error) {
	job, err := c.CreateAndPoll(ctx, window)
	if err != nil {
		return job, err
	}

	content, err := c.Download(ctx, job.DocumentID)
	if err != nil {
		job.transition(JobFailed)
		return job, err
	}

	rows, err := Normalize(window, content)
	if err != nil {
		job.transition(JobFailed)
		return job, fmt.Errorf("normalize report: %w", err)
	}

	job.transition(JobDownloaded)
	job.Rows = rows
	c.logger.Info("report downloaded", "window", window.String(), "report_id", job.ReportID, "rows", len(rows))
	return job, nil
}

// CreateAndPoll runs the first two phases only.
func (c *Client) CreateAndPoll(ctx context.Context, window models.ReportWindow) (*Job, error) {
	job := &Job{Window: window, State: JobCreated}

	reportID, err := c.Create(ctx, NewCreateRequest(window, c.cfg.MarketplaceID))
	if err != nil {
		job.transition(JobFailed)
		return job, err
	}
	job.ReportID = reportID
	job.transition(JobPolling)

	documentID, err := c.Poll(ctx, reportID)
	if err != nil {
		var termErr *TerminalError
		switch {
		case errors.As(err, &termErr) && termErr.Status == StatusCancelled:
			job.transition(JobCancelled)
		case errors.As(err, &termErr):
			job.transition(JobFatal)
		case errors.Is(err, ErrPollTimeout):
			job.transition(JobTimedOut)
		default:
			job.transition(JobFailed)
		}
		return job, err
	}

	job.DocumentID = documentID
	job.transition(JobDone)
	return job, nil
}

func (c *Client) call(ctx context.Context, limiter *rate.Limiter, method, path string, body, out any) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("x-amz-access-token", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}

	var er errorResponse
	if json.Unmarshal(body, &er) == nil && len(er.Errors) > 0 {
		apiErr.Code = er.Errors[0].Code
		apiErr.Message = er.Errors[0].Message
	}
	return apiErr
}
