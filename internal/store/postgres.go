package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_session_records (
			room_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			is_muted BOOLEAN NOT NULL DEFAULT FALSE,
			volume INT NOT NULL DEFAULT 100,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_session_records_updated ON voice_session_records (last_updated);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (*Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, user_id, start_time, is_muted, volume, last_updated
		 FROM voice_session_records WHERE room_id=$1`,
		roomID,
	).Scan(&r.RoomID, &r.UserID, &r.StartTime, &r.Audio.IsMuted, &r.Audio.Volume, &r.LastUpdated)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Set(ctx context.Context, record Record) error {
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_session_records (room_id, user_id, start_time, is_muted, volume, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (room_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			start_time = EXCLUDED.start_time,
			is_muted = EXCLUDED.is_muted,
			volume = EXCLUDED.volume,
			last_updated = EXCLUDED.last_updated`,
		record.RoomID,
		record.UserID,
		record.StartTime,
		record.Audio.IsMuted,
		record.Audio.Volume,
		record.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM voice_session_records WHERE room_id=$1`, roomID); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
