package reports

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/maltedev/vendor-feeds/internal/models"
)

// payloadFields names the per-item array inside each report kind.
var payloadFields = map[models.ReportKind]string{
	models.ReportSales:     "salesByAsin",
	models.ReportTraffic:   "trafficByAsin",
	models.ReportInventory: "inventoryByAsin",
	models.ReportMargin:    "netPureProductMarginByAsin",
}

const fallbackField = "reportData"

// ExtractItems returns the per-item array for kind. When the known field is
// missing it falls back to the payload itself if that is an array, then to
// the reportData field.
func ExtractItems(kind models.ReportKind, payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode report array: %w", err)
		}
		return items, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode report document: %w", err)
	}

	for _, field := range []string{payloadFields[kind], fallbackField} {
		raw, ok := doc[field]
		if !ok || field == "" {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("field %s is not an array: %w", field, err)
		}
		return items, nil
	}

	return nil, nil
}

// Normalize turns a downloaded report into rows keyed by item. Items without
// an asin are dropped; a repeated asin keeps its last record.
func Normalize(window models.ReportWindow, payload []byte) ([]models.ReportRow, error) {
	items, err := ExtractItems(window.Kind, payload)
	if err != nil {
		return nil, err
	}

	rows := make([]models.ReportRow, 0, len(items))
	index := make(map[string]int, len(items))

	for _, item := range items {
		var key struct {
			ASIN string `json:"asin"`
		}
		if err := json.Unmarshal(item, &key); err != nil || key.ASIN == "" {
			continue
		}

		row := models.ReportRow{
			Kind:        window.Kind,
			ItemID:      key.ASIN,
			Period:      window.Period,
			WindowStart: window.Start,
			WindowEnd:   window.End,
			Payload:     append(json.RawMessage(nil), item...),
		}

		if i, seen := index[key.ASIN]; seen {
			rows[i] = row
			continue
		}
		index[key.ASIN] = len(rows)
		rows = append(rows, row)
	}

	return rows, nil
}
