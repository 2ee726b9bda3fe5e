package store

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"babel.town/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	target_language TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL,
	transcript TEXT NOT NULL,
	translation TEXT NOT NULL,
	chunks INT NOT NULL,
	error TEXT NOT NULL DEFAULT ''
)`

// Store archives finished sessions in Postgres. It is optional: the relay
// runs fine without a database, it just keeps no history.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func Open(ctx context.Context, url string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Save archives one finished session. Called once per session from the
// shutdown path.
func (s *Store) Save(ctx context.Context, sum session.Summary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, target_language, started_at, ended_at, transcript, translation, chunks, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		sum.ID, sum.TargetLanguage, sum.StartedAt, sum.EndedAt,
		sum.Transcript, sum.Translation, sum.Chunks, sum.Error)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Recent returns the newest sessions first.
func (s *Store) Recent(ctx context.Context, limit int) ([]session.Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_language, started_at, ended_at, transcript, translation, chunks, error
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sums []session.Summary
	for rows.Next() {
		var sum session.Summary
		err := rows.Scan(&sum.ID, &sum.TargetLanguage, &sum.StartedAt, &sum.EndedAt,
			&sum.Transcript, &sum.Translation, &sum.Chunks, &sum.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
