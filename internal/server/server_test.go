package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/vendor-feeds/internal/config"
	"github.com/maltedev/vendor-feeds/internal/database"
	"github.com/maltedev/vendor-feeds/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOutbox struct {
	counts database.OutboxCounts
	err    error
}

func (s stubOutbox) Counts(ctx context.Context) (database.OutboxCounts, error) {
	return s.counts, s.err
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		outbox     OutboxStats
		wantCode   int
		wantStatus string
	}{
		{"no outbox", nil, http.StatusOK, "ok"},
		{"healthy", stubOutbox{counts: database.OutboxCounts{Pending: 3}}, http.StatusOK, "ok"},
		{"backlog", stubOutbox{counts: database.OutboxCounts{Pending: 5000}}, http.StatusOK, "warning"},
		{"dead letters", stubOutbox{counts: database.OutboxCounts{DeadLetter: 101}}, http.StatusServiceUnavailable, "error"},
		{"db down", stubOutbox{err: errors.New("conn refused")}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(config.ServerConfig{Port: "0"}, Deps{Outbox: tt.outbox}, nil)
			rec, body := get(t, srv.Router(), "/health")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestHealth_IncludesWorkerStatus(t *testing.T) {
	srv := New(config.ServerConfig{}, Deps{
		Outbox: stubOutbox{counts: database.OutboxCounts{Pending: 2, DeadLetter: 1}},
		Status: func() any { return map[string]int{"processed": 7} },
	}, nil)

	_, body := get(t, srv.Router(), "/health")
	assert.Equal(t, map[string]any{"processed": float64(7)}, body["worker"])
	assert.Equal(t, map[string]any{"pending": float64(2), "dead_letter": float64(1)}, body["outbox"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewScraper(reg)
	m.Restart("leak_guard")

	srv := New(config.ServerConfig{}, Deps{Gatherer: reg}, nil)
	rec, _ := get(t, srv.Router(), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vendor_feeds_scraper_browser_restarts_total{reason="leak_guard"} 1`)
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: "0", ShutdownTimeout: time.Second}, Deps{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
