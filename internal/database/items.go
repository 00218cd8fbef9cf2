package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// ItemStore reads the operator-maintained tracking list.
type ItemStore struct {
	db *DB
}

func NewItemStore(db *DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) ListTrackedItems(ctx context.Context) ([]models.TrackedItem, error) {
	query := `
		SELECT asin, COALESCE(sku, ''), COALESCE(comment, '')
		FROM tracked_items
		ORDER BY asin`

	rows, err := s.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked items: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TrackedItem, error) {
		var it models.TrackedItem
		err := row.Scan(&it.ASIN, &it.SKU, &it.Comment)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracked items: %w", err)
	}
	return items, nil
}
