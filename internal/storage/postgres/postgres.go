package postgres

import (
	"context"
	"fmt"

	"github.com/FranksOps/sqlisentinel/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
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
	score DOUBLE PRECISION NOT NULL,
	fix_snippet TEXT,
	columns INTEGER NOT NULL DEFAULT 0,
	dbms TEXT,
	solution TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	_, err = pool.Exec(ctx, schema)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("context: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, f *storage.Finding) error {
	query := `
	INSERT INTO findings (
		id, url, method, param, technique, payload, evidence, risk, score, fix_snippet, columns, dbms, solution, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := b.pool.Exec(ctx, query,
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

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.Finding, error) {
	query := `SELECT id, url, method, param, technique, payload, evidence, risk, score, fix_snippet, columns, dbms, solution, created_at FROM findings WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.URL != "" {
		query += fmt.Sprintf(` AND url = $%d`, paramCount)
		args = append(args, filter.URL)
		paramCount++
	}
	if filter.Technique != "" {
		query += fmt.Sprintf(` AND technique = $%d`, paramCount)
		args = append(args, filter.Technique)
		paramCount++
	}
	if filter.Risk != "" {
		query += fmt.Sprintf(` AND risk = $%d`, paramCount)
		args = append(args, filter.Risk)
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
		paramCount++
	}

	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
