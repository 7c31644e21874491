package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// initSchema creates the users/stars tables and indices if absent, then
// applies additive schema evolution: columns introduced by later revisions
// are added with ensureColumn, and activity_tier/star_count are backfilled
// for rows written before those columns existed. It is safe to call on
// every process start.
func initSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		last_starred_at TEXT,
		last_fetched_at TEXT,
		etag TEXT,
		last_modified TEXT,
		fetch_interval_minutes INTEGER NOT NULL,
		next_check_at TEXT NOT NULL,
		activity_tier TEXT
	);

	CREATE TABLE IF NOT EXISTS stars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		repo_full_name TEXT NOT NULL,
		repo_description TEXT,
		repo_language TEXT,
		repo_topics TEXT,
		repo_html_url TEXT NOT NULL,
		starred_at TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		UNIQUE(user_id, repo_full_name, starred_at)
	);

	CREATE INDEX IF NOT EXISTS idx_stars_user_starred_at ON stars(user_id, starred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_stars_starred_at ON stars(starred_at DESC);
	`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := ensureColumn(ctx, db, "users", "ema_minutes", "REAL"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, "users", "star_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	backfills := []string{
		`UPDATE users SET activity_tier = 'high' WHERE activity_tier IS NULL AND fetch_interval_minutes <= 60`,
		`UPDATE users SET activity_tier = 'medium' WHERE activity_tier IS NULL AND fetch_interval_minutes > 60 AND fetch_interval_minutes <= 1440`,
		`UPDATE users SET activity_tier = 'low' WHERE activity_tier IS NULL AND fetch_interval_minutes > 1440`,
		`UPDATE users SET star_count = (SELECT COUNT(*) FROM stars WHERE stars.user_id = users.user_id) WHERE star_count = 0`,
	}
	for _, stmt := range backfills {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
	}

	return nil
}

// ensureColumn adds column to table with the given SQL type if it does not
// already exist, mirroring SQLite's lack of "ADD COLUMN IF NOT EXISTS".
func ensureColumn(ctx context.Context, db *sql.DB, table, column, sqlType string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
