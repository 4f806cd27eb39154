package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// SyncEmployees upserts every employee of the shop. Employees missing
// upstream are left in place.
func (s *Syncer) SyncEmployees(ctx context.Context, shopID int64, trigger string) (*repo.SyncLog, error) {
	release, err := s.lock(ctx, shopID, repo.EntityEmployees)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.audit.Start(shopID, repo.EntityEmployees, trigger)
	var runErr error
	fetched := 0
	for emp, err := range s.api.Employees(ctx, shopID) {
		if err != nil {
			if fetched == 0 && errors.Is(err, tekmetric.ErrUnreachable) {
				runErr = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
				break
			}
			run.Fail(emp.ID, "employee", err)
			continue
		}
		fetched++
		run.Fetched(1)
		outcome, err := s.store.UpsertEmployee(ctx, shopID, emp)
		if err != nil {
			run.Fail(emp.ID, "upsert", err)
			continue
		}
		run.Record(outcome)
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if runErr == nil {
		s.invalidateRateBook(ctx, shopID)
		now := s.now()
		if err := s.store.SaveCursor(ctx, repo.Cursor{ShopID: shopID, EntityType: repo.EntityEmployees, LastSyncedAt: &now}); err != nil {
			run.Fail(0, "cursor", err)
		}
	}

	entry, err := run.Finish(ctx, runErr)
	if runErr != nil {
		return entry, runErr
	}
	return entry, err
}
