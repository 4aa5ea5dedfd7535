package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Analysis is one finished annotation request.
type Analysis struct {
	ID            uuid.UUID
	MediaType     string // "video" or "image"
	SourceName    string
	OutputPath    string
	Detections    []string
	PerSecond     map[int][]string
	FramesWritten int
	CreatedAt     time.Time
}

// Store manages the PostgreSQL pool that records analyses.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the analyses table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS analyses (
			id UUID PRIMARY KEY,
			media_type TEXT NOT NULL,
			source_name TEXT NOT NULL,
			output_path TEXT NOT NULL,
			detections JSONB NOT NULL DEFAULT '[]',
			per_second JSONB,
			frames_written INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS analyses_created_at_idx ON analyses (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordAnalysis inserts a. A zero ID is replaced with a fresh one.
func (s *Store) RecordAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	detections := a.Detections
	if detections == nil {
		detections = []string{}
	}
	dets, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("encode detections: %w", err)
	}
	var perSecond []byte
	if a.PerSecond != nil {
		if perSecond, err = json.Marshal(a.PerSecond); err != nil {
			return fmt.Errorf("encode per-second detections: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analyses (id, media_type, source_name, output_path, detections, per_second, frames_written, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.MediaType, a.SourceName, a.OutputPath, dets, perSecond, a.FramesWritten, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the analysis with id, or pgx.ErrNoRows wrapped if there is none.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, media_type, source_name, output_path, detections, per_second, frames_written, created_at
		FROM analyses WHERE id = $1
	`, id)
	a, err := scanAnalysis(row)
	if err != nil {
		return nil, fmt.Errorf("find analysis %s: %w", id, err)
	}
	return a, nil
}

// ListAnalyses returns the most recent analyses first. limit <= 0 returns all of them.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	query := `
		SELECT id, media_type, source_name, output_path, detections, per_second, frames_written, created_at
		FROM analyses ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	var dets, perSecond []byte
	if err := row.Scan(&a.ID, &a.MediaType, &a.SourceName, &a.OutputPath, &dets, &perSecond, &a.FramesWritten, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dets, &a.Detections); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	if len(perSecond) > 0 {
		if err := json.Unmarshal(perSecond, &a.PerSecond); err != nil {
			return nil, fmt.Errorf("decode per-second detections: %w", err)
		}
	}
	return &a, nil
}

// IsNotFound reports whether err means the analysis does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS analyses CASCADE;`)
	return err
}
