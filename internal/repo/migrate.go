package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// RunMigrations applies the migration directory matching the store's
// dialect ("postgres/" or "sqlite/") from filesystem.
func (s *Store) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, s.dialect.String())
	if err != nil {
		return fmt.Errorf("open %s migrations: %w", s.dialect, err)
	}
	return s.ApplyMigrations(ctx, sub)
}

// ApplyMigrations executes SQL files in lexicographical order, each in its
// own transaction. Migrations are written to be re-runnable.
func (s *Store) ApplyMigrations(ctx context.Context, filesystem fs.FS) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		sqlBytes, err := fs.ReadFile(filesystem, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if len(strings.TrimSpace(string(sqlBytes))) == 0 {
			continue
		}

		err = s.WithTx(ctx, func(tx *Store) error {
			// raw script: no placeholders to rebind
			_, err := tx.ex.exec(ctx, string(sqlBytes))
			return err
		})
		if err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
		s.logger.Debug("migration applied", "file", entry.Name())
	}

	return nil
}
