package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id UUID PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    phase VARCHAR(64) NOT NULL,
    epoch VARCHAR(64) NOT NULL,
    started_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
    id SERIAL PRIMARY KEY,
    run_id UUID REFERENCES runs(id) ON DELETE CASCADE,
    frame_index INTEGER NOT NULL,
    frame_path TEXT NOT NULL,
    layers JSONB NOT NULL,
    descriptor vector,
    UNIQUE(run_id, frame_index)
);

CREATE INDEX IF NOT EXISTS idx_frames_run_id ON frames(run_id);
`

// PostgresStorage writes frames to PostgreSQL, with the layer statistics as a
// pgvector descriptor.
type PostgresStorage struct {
	pool *pgxpool.Pool
	run  Run
}

// InitSchema creates the tables and the vector extension if they don't exist.
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

// NewPostgresStorage connects and registers run.
func NewPostgresStorage(ctx context.Context, connString string, run Run) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	_, err = pool.Exec(ctx,
		"INSERT INTO runs (id, name, phase, epoch, started_at) VALUES ($1, $2, $3, $4, $5)",
		run.ID.String(), run.Name, run.Phase, run.Epoch, run.StartedAt)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create run entry: %w", err)
	}

	return &PostgresStorage{pool: pool, run: run}, nil
}

// AddFrame stores the frame immediately.
func (s *PostgresStorage) AddFrame(ctx context.Context, frame Frame) error {
	layers, err := json.Marshal(frame.Layers)
	if err != nil {
		return fmt.Errorf("failed to encode layers: %w", err)
	}

	var descriptor any
	if v := frame.Vector(); len(v) > 0 {
		descriptor = pgvector.NewVector(v)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO frames
        (run_id, frame_index, frame_path, layers, descriptor)
        VALUES ($1, $2, $3, $4, $5)`,
		s.run.ID.String(), frame.Index, frame.Path, layers, descriptor)
	if err != nil {
		return fmt.Errorf("failed to store frame %d: %w", frame.Index, err)
	}
	return nil
}

// Flush is a no-op for Postgres as frames are saved immediately
func (s *PostgresStorage) Flush(ctx context.Context) error {
	return nil
}

func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SearchSimilarFrames returns the frames of this run whose layer statistics are
// closest to query.
func (s *PostgresStorage) SearchSimilarFrames(ctx context.Context, query []float32, limit int) ([]SimilarFrame, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT frame_index, frame_path, descriptor <-> $1 AS distance
        FROM frames
        WHERE run_id = $2 AND descriptor IS NOT NULL
        ORDER BY descriptor <-> $1
        LIMIT $3`,
		pgvector.NewVector(query), s.run.ID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	var results []SimilarFrame
	for rows.Next() {
		var r SimilarFrame
		if err := rows.Scan(&r.Index, &r.Path, &r.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SimilarTo looks up the descriptor of frame index and returns the other
// frames of this run closest to it.
func (s *PostgresStorage) SimilarTo(ctx context.Context, index, limit int) ([]SimilarFrame, error) {
	var descriptor pgvector.Vector
	err := s.pool.QueryRow(ctx,
		"SELECT descriptor FROM frames WHERE run_id = $1 AND frame_index = $2 AND descriptor IS NOT NULL",
		s.run.ID.String(), index).Scan(&descriptor)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrFrameNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor of frame %d: %w", index, err)
	}

	results, err := s.SearchSimilarFrames(ctx, descriptor.Slice(), limit+1)
	if err != nil {
		return nil, err
	}
	return withoutFrame(results, index, limit), nil
}
