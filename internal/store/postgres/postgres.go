// Package postgres persists call records in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxline-ai/voxline/internal/store"
)

// Schema is the SQL DDL for the calls table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    call_id          TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    lead_name        TEXT NOT NULL DEFAULT '',
    lead_phone       TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ NOT NULL,
    duration_sec     INTEGER NOT NULL DEFAULT 0,
    end_reason       TEXT NOT NULL DEFAULT '',
    turns            JSONB NOT NULL DEFAULT '[]',
    flat_transcript  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_calls_agent ON calls(agent_id, started_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL. Turns are serialised as
// JSONB.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a Store over the given connection or pool. Call Migrate to
// ensure the schema exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveCall upserts one finished call.
func (s *Store) SaveCall(ctx context.Context, rec store.CallRecord) error {
	turnsJSON, err := json.Marshal(emptySlice(rec.Turns))
	if err != nil {
		return fmt.Errorf("store: marshal turns: %w", err)
	}

	const query = `
		INSERT INTO calls (
			call_id, agent_id, user_id, lead_name, lead_phone,
			started_at, ended_at, duration_sec, end_reason, turns, flat_transcript
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_sec = EXCLUDED.duration_sec,
			end_reason = EXCLUDED.end_reason,
			turns = EXCLUDED.turns,
			flat_transcript = EXCLUDED.flat_transcript`

	_, err = s.db.Exec(ctx, query,
		rec.CallID, rec.AgentID, rec.UserID, rec.LeadName, rec.LeadPhone,
		rec.StartedAt, rec.EndedAt, rec.DurationSec, rec.EndReason,
		turnsJSON, rec.FlatTranscript,
	)
	if err != nil {
		return fmt.Errorf("store: save call %s: %w", rec.CallID, err)
	}
	return nil
}

// GetCall returns one persisted record.
func (s *Store) GetCall(ctx context.Context, callID string) (store.CallRecord, error) {
	const query = `
		SELECT call_id, agent_id, user_id, lead_name, lead_phone,
		       started_at, ended_at, duration_sec, end_reason, turns, flat_transcript
		FROM calls WHERE call_id = $1`

	rec, err := scanCall(s.db.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallRecord{}, store.ErrNotFound
		}
		return store.CallRecord{}, fmt.Errorf("store: get call %s: %w", callID, err)
	}
	return rec, nil
}

// ListCalls returns an agent's most recent calls, newest first.
func (s *Store) ListCalls(ctx context.Context, agentID string, limit int) ([]store.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT call_id, agent_id, user_id, lead_name, lead_phone,
		       started_at, ended_at, duration_sec, end_reason, turns, flat_transcript
		FROM calls WHERE agent_id = $1
		ORDER BY started_at DESC LIMIT $2`

	rows, err := s.db.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	defer rows.Close()

	var out []store.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list calls: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	return out, nil
}

func scanCall(row pgx.Row) (store.CallRecord, error) {
	var rec store.CallRecord
	var turnsJSON []byte
	err := row.Scan(
		&rec.CallID, &rec.AgentID, &rec.UserID, &rec.LeadName, &rec.LeadPhone,
		&rec.StartedAt, &rec.EndedAt, &rec.DurationSec, &rec.EndReason,
		&turnsJSON, &rec.FlatTranscript,
	)
	if err != nil {
		return store.CallRecord{}, err
	}
	if err := json.Unmarshal(turnsJSON, &rec.Turns); err != nil {
		return store.CallRecord{}, fmt.Errorf("unmarshal turns: %w", err)
	}
	return rec, nil
}

func emptySlice(turns []store.Turn) []store.Turn {
	if turns == nil {
		return []store.Turn{}
	}
	return turns
}
