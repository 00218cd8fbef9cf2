package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-feeds/internal/events"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// ObservationStore appends observations; rows are never updated.
type ObservationStore struct {
	db     *DB
	outbox *OutboxRepository
	now    func() time.Time
}

func NewObservationStore(db *DB, outbox *OutboxRepository) *ObservationStore {
	return &ObservationStore{db: db, outbox: outbox, now: time.Now}
}

// SaveObservation inserts obs and its OBSERVATION_RECORDED event atomically.
func (s *ObservationStore) SaveObservation(ctx context.Context, obs *models.Observation) error {
	if problems := obs.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid observation for %s: %v", obs.ItemID, problems)
	}

	ev, err := events.ObservationRecorded(obs, s.now())
	if err != nil {
		return err
	}

	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO observations (
				item_id, observed_at, title, availability,
				stock_note, seller_class, price, rank
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		_, err := tx.Exec(ctx, query,
			obs.ItemID, obs.ObservedAt, obs.Title, string(obs.Availability),
			obs.StockNote, string(obs.SellerClass), obs.Price, obs.Rank,
		)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}

		return s.outbox.Enqueue(ctx, tx, ev)
	})
}
