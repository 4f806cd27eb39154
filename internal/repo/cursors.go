package repo

import (
	"context"
	"fmt"
)

// GetCursor returns the incremental sync position, or ErrNotFound before the
// first successful run.
func (s *Store) GetCursor(ctx context.Context, shopID int64, entity string) (*Cursor, error) {
	c := Cursor{ShopID: shopID, EntityType: entity}
	err := s.queryRow(ctx, `
SELECT last_synced_at, max_updated_at, last_id, updated_at
FROM sync_cursors
WHERE shop_id = ? AND entity_type = ?;`, shopID, entity,
	).Scan(&c.LastSyncedAt, &c.MaxUpdatedAt, &c.LastID, &c.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor %s: %w", entity, err)
	}
	return &c, nil
}

// SaveCursor writes the cursor.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	_, err := s.exec(ctx, `
INSERT INTO sync_cursors (shop_id, entity_type, last_synced_at, max_updated_at, last_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, entity_type) DO UPDATE SET
    last_synced_at = excluded.last_synced_at,
    max_updated_at = excluded.max_updated_at,
    last_id = excluded.last_id,
    updated_at = excluded.updated_at;`,
		c.ShopID, c.EntityType, nullTime(c.LastSyncedAt), nullTime(c.MaxUpdatedAt), c.LastID, s.now())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", c.EntityType, err)
	}
	return nil
}
