// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger provides the persistent idempotency ledger: one row per
// (fingerprint, site, object type) recording processing state. The ledger
// is the single source of truth for "has this logical email already been
// handled". All mutation goes through atomic upsert/update statements;
// the row-level uniqueness constraint arbitrates races between concurrent
// pipeline instances.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status values a ledger entry moves through. pending is the initial
// state; processed, replied, and skipped are terminal successes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusReplied    Status = "replied"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
)

// Terminal reports whether the status is a terminal success. An entry that
// is merely seen (pending/processing) or errored does not count as handled.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusReplied || s == StatusSkipped
}

// Entry is one ledger row.
type Entry struct {
	ID              int64
	ExternalID      string
	SiteID          string
	ObjectType      string
	Status          Status
	Provider        string
	Metadata        map[string]any
	FirstSeenAt     time.Time
	LastProcessedAt *time.Time
	ProcessCount    int
	ErrorMessage    string
}

// Store provides ledger operations backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a ledger store. It ensures the ledger table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("processing ledger initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processing_ledger (
			id                BIGSERIAL PRIMARY KEY,
			external_id       TEXT NOT NULL,
			site_id           TEXT NOT NULL,
			object_type       TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			provider          TEXT DEFAULT '',
			metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
			first_seen_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_processed_at TIMESTAMPTZ,
			process_count     INT NOT NULL DEFAULT 0,
			error_message     TEXT DEFAULT '',
			UNIQUE(external_id, site_id, object_type)
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_site_type ON processing_ledger(site_id, object_type);
		CREATE INDEX IF NOT EXISTS idx_ledger_first_seen ON processing_ledger(first_seen_at);
		CREATE INDEX IF NOT EXISTS idx_ledger_status ON processing_ledger(status);
	`)
	return err
}

const entryColumns = `id, external_id, site_id, object_type, status, provider,
		       metadata, first_seen_at, last_processed_at, process_count, error_message`

// Exists reports whether any row exists for the key, regardless of status.
func (s *Store) Exists(ctx context.Context, externalID, siteID, objectType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM processing_ledger
			WHERE external_id = $1 AND site_id = $2 AND object_type = $3
		)
	`, externalID, siteID, objectType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger exists: %w", err)
	}
	return exists, nil
}

// IsProcessed reports whether the key has reached a terminal success state.
// A pending or errored row returns false so the event is retried.
func (s *Store) IsProcessed(ctx context.Context, externalID, siteID, objectType string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM processing_ledger
			WHERE external_id = $1 AND site_id = $2 AND object_type = $3
			  AND status IN ('processed', 'replied', 'skipped')
		)
	`, externalID, siteID, objectType).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("ledger is-processed: %w", err)
	}
	return processed, nil
}

// UpsertPending records the first sighting of a fingerprint. It is a single
// atomic statement: if no row exists one is inserted with status pending
// and process_count 0; if a row already exists it is returned unchanged.
//
// The conflict arm assigns the column to itself so that RETURNING yields
// the existing row in the same round trip — ON CONFLICT DO NOTHING would
// return no row, and a separate existence check would reopen the race
// this ledger exists to close.
func (s *Store) UpsertPending(ctx context.Context, externalID, siteID, objectType, provider string, metadata map[string]any) (*Entry, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO processing_ledger
			(external_id, site_id, object_type, status, provider, metadata)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (external_id, site_id, object_type)
		DO UPDATE SET external_id = processing_ledger.external_id
		RETURNING `+entryColumns, externalID, siteID, objectType, provider, meta)

	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("ledger upsert pending: %w", err)
	}
	return entry, nil
}

// Transition moves an entry to a new status: increments process_count,
// stamps last_processed_at, merges metadata, and records the error message
// (cleared on non-error transitions). Returns nil when no row exists for
// the key.
func (s *Store) Transition(ctx context.Context, externalID, siteID, objectType string, status Status, metadata map[string]any, errMsg string) (*Entry, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE processing_ledger
		SET status            = $4,
		    process_count     = process_count + 1,
		    last_processed_at = NOW(),
		    metadata          = metadata || $5::jsonb,
		    error_message     = $6
		WHERE external_id = $1 AND site_id = $2 AND object_type = $3
		RETURNING `+entryColumns, externalID, siteID, objectType, string(status), meta, errMsg)

	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger transition: %w", err)
	}
	return entry, nil
}

// BulkProcessed returns which of the given fingerprints have reached a
// terminal success state. One query per batch, keyed by the fingerprint
// set, to keep latency and the race window small.
func (s *Store) BulkProcessed(ctx context.Context, siteID, objectType string, externalIDs []string) (map[string]bool, error) {
	processed := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return processed, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT external_id FROM processing_ledger
		WHERE site_id = $1 AND object_type = $2
		  AND external_id = ANY($3)
		  AND status IN ('processed', 'replied', 'skipped')
	`, siteID, objectType, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger bulk processed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		processed[id] = true
	}
	return processed, rows.Err()
}

// RecentEntries returns entries first seen since the given time, newest
// first. Used by the duplicate matcher as its candidate pool.
func (s *Store) RecentEntries(ctx context.Context, siteID, objectType string, since time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM processing_ledger
		WHERE site_id = $1 AND object_type = $2 AND first_seen_at >= $3
		ORDER BY first_seen_at DESC
		LIMIT 500
	`, siteID, objectType, since)
	if err != nil {
		return nil, fmt.Errorf("ledger recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// marshalMetadata serialises the free-form metadata blob. Nil maps become
// an empty JSON object so the JSONB merge operator stays well-defined.
func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger metadata: %w", err)
	}
	return b, nil
}

// scanEntry scans a single row into an Entry.
func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e      Entry
		status string
		meta   []byte
	)
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.SiteID, &e.ObjectType, &status, &e.Provider,
		&meta, &e.FirstSeenAt, &e.LastProcessedAt, &e.ProcessCount, &e.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal ledger metadata: %w", err)
		}
	}
	return &e, nil
}
