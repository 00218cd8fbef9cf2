package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-feeds/internal/events"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// ReportStore holds normalized report rows keyed by
// (kind, period, item_id, window_end).
type ReportStore struct {
	db     *DB
	outbox *OutboxRepository
	now    func() time.Time
}

func NewReportStore(db *DB, outbox *OutboxRepository) *ReportStore {
	return &ReportStore{db: db, outbox: outbox, now: time.Now}
}

// StoredWindows returns the Key() of every window of period with at least one row.
func (s *ReportStore) StoredWindows(ctx context.Context, kinds []models.ReportKind, period models.Period) (map[string]struct{}, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	rows, err := s.db.pool.Query(ctx, `
		SELECT DISTINCT kind, window_end
		FROM report_rows
		WHERE period = $1 AND kind = ANY($2)`,
		string(period), names)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored windows: %w", err)
	}

	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var (
			kind string
			end  time.Time
		)
		if err := row.Scan(&kind, &end); err != nil {
			return "", err
		}
		w := models.ReportWindow{Kind: models.ReportKind(kind), Period: period, End: end}
		return w.Key(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan stored windows: %w", err)
	}

	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

// ReplaceWindow deletes the window's existing rows for the incoming items and
// inserts rows in one transaction, together with a REPORT_WINDOW_STORED event.
// An empty report leaves the store untouched so the window is retried later.
func (s *ReportStore) ReplaceWindow(ctx context.Context, w models.ReportWindow, rows []models.ReportRow) error {
	if len(rows) == 0 {
		return nil
	}

	ev, err := events.ReportWindowStored(w, len(rows), s.now())
	if err != nil {
		return err
	}

	items := make([]string, len(rows))
	for i, r := range rows {
		items[i] = r.ItemID
	}

	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM report_rows
			WHERE kind = $1 AND period = $2 AND window_end = $3 AND item_id = ANY($4)`,
			string(w.Kind), string(w.Period), w.End, items)
		if err != nil {
			return fmt.Errorf("failed to delete window rows: %w", err)
		}

		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(`
				INSERT INTO report_rows (kind, item_id, period, window_start, window_end, payload)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				string(r.Kind), r.ItemID, string(r.Period), r.WindowStart, r.WindowEnd, []byte(r.Payload))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert window rows: %w", err)
		}

		return s.outbox.Enqueue(ctx, tx, ev)
	})
}
