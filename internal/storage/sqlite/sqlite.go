package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FranksOps/sqlisentinel/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	param TEXT NOT NULL,
	technique TEXT NOT NULL,
	payload TEXT NOT NULL,
	evidence TEXT,
	risk TEXT NOT NULL,
	score REAL NOT NULL,
	fix_snippet TEXT,
	columns INTEGER NOT NULL DEFAULT 0,
	dbms TEXT,
	solution TEXT,
	created_at DATETIME NOT NULL
);
`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Save(ctx context.Context, f *storage.Finding) error {
	query := `
	INSERT INTO findings (
		id, url, method, param, technique, payload, evidence, risk, score, fix_snippet, columns, dbms, solution, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := b.db.ExecContext(ctx, query,
		f.ID,
		f.URL,
		f.Method,
		f.Param,
		f.Technique,
		f.Payload,
		f.Evidence,
		f.Risk,
		f.Score,
		f.FixSnippet,
		f.Columns,
		f.DBMS,
		f.Solution,
		f.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("context: %w", err)
	}

	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Finding, error) {
	query := `SELECT id, url, method, param, technique, payload, evidence, risk, score, fix_snippet, columns, dbms, solution, created_at FROM findings WHERE 1=1`
	args := []any{}

	if filter.URL != "" {
		query += ` AND url = ?`
		args = append(args, filter.URL)
	}
	if filter.Technique != "" {
		query += ` AND technique = ?`
		args = append(args, filter.Technique)
	}
	if filter.Risk != "" {
		query += ` AND risk = ?`
		args = append(args, filter.Risk)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	defer rows.Close()

	var results []*storage.Finding
	for rows.Next() {
		var f storage.Finding

		err := rows.Scan(
			&f.ID, &f.URL, &f.Method, &f.Param, &f.Technique, &f.Payload,
			&f.Evidence, &f.Risk, &f.Score, &f.FixSnippet, &f.Columns,
			&f.DBMS, &f.Solution, &f.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}

		results = append(results, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
