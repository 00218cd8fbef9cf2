package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeObservationRecorded is emitted for every stored product page snapshot
	EventTypeObservationRecorded EventType = "OBSERVATION_RECORDED"
	// EventTypeReportWindowStored is emitted when a report window is (re)written
	EventTypeReportWindowStored EventType = "REPORT_WINDOW_STORED"
)

const (
	AggregateItem   = "item"
	AggregateReport = "report_window"

	// DefaultStream is the Redis stream the relay writes to.
	DefaultStream = "stream:vendor_feeds"
)

// Event is what the store writes into the outbox next to the data row.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          EventType
	Payload       json.RawMessage
}

type ObservationRecordedPayload struct {
	EventID      string              `json:"event_id"`
	EventType    string              `json:"event_type"`
	Timestamp    time.Time           `json:"timestamp"`
	ItemID       string              `json:"item_id"`
	ObservedAt   time.Time           `json:"observed_at"`
	Title        string              `json:"title,omitempty"`
	Availability models.Availability `json:"availability"`
	StockNote    string              `json:"stock_note,omitempty"`
	SellerClass  models.SellerClass  `json:"seller_class"`
	Price        string              `json:"price"`
	Rank         string              `json:"rank,omitempty"`
	Source       string              `json:"source"`
}

type ReportWindowStoredPayload struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        models.ReportKind `json:"kind"`
	Period      models.Period     `json:"period"`
	WindowStart string            `json:"window_start"`
	WindowEnd   string            `json:"window_end"`
	Rows        int               `json:"rows"`
	Source      string            `json:"source"`
}

// ObservationRecorded builds the outbox event for a stored observation.
func ObservationRecorded(obs *models.Observation, now time.Time) (*Event, error) {
	payload := ObservationRecordedPayload{
		EventID:      uuid.New().String(),
		EventType:    string(EventTypeObservationRecorded),
		Timestamp:    now.UTC(),
		ItemID:       obs.ItemID,
		ObservedAt:   obs.ObservedAt,
		Title:        obs.Title,
		Availability: obs.Availability,
		StockNote:    obs.StockNote,
		SellerClass:  obs.SellerClass,
		Price:        obs.Price,
		Rank:         obs.Rank,
		Source:       "scraper",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &Event{
		AggregateType: AggregateItem,
		AggregateID:   obs.ItemID,
		Type:          EventTypeObservationRecorded,
		Payload:       data,
	}, nil
}

// ReportWindowStored builds the outbox event for a replaced report window.
func ReportWindowStored(w models.ReportWindow, rows int, now time.Time) (*Event, error) {
	payload := ReportWindowStoredPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypeReportWindowStored),
		Timestamp:   now.UTC(),
		Kind:        w.Kind,
		Period:      w.Period,
		WindowStart: w.Start.Format(models.DateLayout),
		WindowEnd:   w.End.Format(models.DateLayout),
		Rows:        rows,
		Source:      "backfill",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &Event{
		AggregateType: AggregateReport,
		AggregateID:   fmt.Sprintf("%s|%s", w.Period, w.Key()),
		Type:          EventTypeReportWindowStored,
		Payload:       data,
	}, nil
}
