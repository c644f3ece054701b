package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey is the advisory lock serializing migrators across
// processes that start against the same database.
const migrationLockKey int64 = 0x696e666f53656e74 // "infoSent"

// RunMigrations applies the *.sql files of migrationsFS that are not yet in
// schema_migrations, in name order. Each file runs in its own transaction
// together with its schema_migrations row, so a failed file leaves no trace
// and is retried on the next start. Concurrent callers wait on an advisory
// lock. A recorded file whose content changed is logged and not re-run.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: migrate: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrMigrationLocked, ctx.Err())
		}
		return fmt.Errorf("storage: migrate: lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: migrate: unlock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT`,
	); err != nil {
		return fmt.Errorf("storage: migrate: create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("storage: migrate: load applied: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("storage: migrate: list files: %w", err)
	}
	slices.Sort(names)

	ran := 0
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: migrate: read %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if prev, ok := applied[name]; ok {
			if prev != "" && prev != checksum {
				db.logger.Warn("storage: migration changed after it was applied", "file", name)
			}
			continue
		}

		start := time.Now()
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, name, checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: migrate: apply %s: %w", name, err)
		}
		ran++
		db.logger.Info("storage: migration applied", "file", name, "duration", time.Since(start))
	}
	db.logger.Debug("storage: migrations up to date", "applied_now", ran, "files", len(names))
	return nil
}

// appliedMigrations maps recorded file names to their checksum. Rows written
// before checksums were tracked map to "".
func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]string)
	var version, checksum string
	_, err = pgx.ForEachRow(rows, []any{&version, &checksum}, func() error {
		applied[version] = checksum
		return nil
	})
	return applied, err
}
