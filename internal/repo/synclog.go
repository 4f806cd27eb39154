package repo

import (
	"context"
	"fmt"
)

// Sync log statuses.
const (
	SyncCompleted = "completed"
	SyncPartial   = "partial"
	SyncFailed    = "failed"
)

// InsertSyncLog appends a run record. Logs are never updated.
func (s *Store) InsertSyncLog(ctx context.Context, l *SyncLog) error {
	if l.ID == "" {
		l.ID = randomUUID()
	}
	errs := l.Errors
	if errs == nil {
		errs = []SyncError{}
	}
	raw, err := toJSON(errs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
INSERT INTO sync_logs (id, shop_id, entity_type, trigger_type, status, started_at, finished_at,
    fetched, created, updated, skipped, error_count, errors)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		l.ID, l.ShopID, l.EntityType, l.Trigger, l.Status, l.StartedAt.UTC(), l.FinishedAt.UTC(),
		l.Fetched, l.Created, l.Updated, l.Skipped, l.ErrorCount, raw)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns the most recent runs for a shop, newest first. An
// empty entity matches every entity type.
func (s *Store) ListSyncLogs(ctx context.Context, shopID int64, entity string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rs, err := s.query(ctx, `
SELECT id, shop_id, entity_type, trigger_type, status, started_at, finished_at,
    fetched, created, updated, skipped, error_count, errors
FROM sync_logs
WHERE shop_id = ? AND (? = '' OR entity_type = ?)
ORDER BY started_at DESC
LIMIT ?;`, shopID, entity, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	return collect(rs, func(row scanner) (SyncLog, error) {
		var (
			l   SyncLog
			raw []byte
		)
		if err := row.Scan(&l.ID, &l.ShopID, &l.EntityType, &l.Trigger, &l.Status, &l.StartedAt, &l.FinishedAt,
			&l.Fetched, &l.Created, &l.Updated, &l.Skipped, &l.ErrorCount, &raw); err != nil {
			return SyncLog{}, err
		}
		if err := fromJSON(raw, &l.Errors); err != nil {
			return SyncLog{}, err
		}
		return l, nil
	})
}
