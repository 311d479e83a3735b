package sqlite

import (
	"context"
	"database/sql"
)

// Migrator applies the base schema. Caller provides an opened *sql.DB.
type Migrator struct{}

func (m Migrator) Up(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS asks (
            id TEXT PRIMARY KEY,
            question TEXT NOT NULL,
            answer TEXT NOT NULL,
            doc_title TEXT NOT NULL,
            doc_author TEXT,
            doc_year INTEGER,
            score REAL NOT NULL,
            provider TEXT,
            model TEXT,
            duration_ms INTEGER,
            created_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_asks_created_at ON asks(created_at);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
