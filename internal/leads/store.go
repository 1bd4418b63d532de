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

// Package leads provides the Postgres-backed directory of known
// automated-lead senders. Replies from these contacts are handled by the
// automated follow-up path instead of agent review. Lookups are batched:
// one query per pipeline batch, keyed by the set of sender addresses.
package leads

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailflow/internal/identity"
)

// Record is one known automated-lead sender.
type Record struct {
	ID        int64
	SiteID    string
	Address   string // normalized bare address
	Source    string // how the sender got onto the list ("reply", "import", ...)
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides lead-sender directory operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the directory store, ensuring the table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure lead_senders schema: %w", err)
	}
	slog.Info("lead sender directory initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS lead_senders (
			id         BIGSERIAL PRIMARY KEY,
			site_id    TEXT NOT NULL,
			address    TEXT NOT NULL,
			source     TEXT DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(site_id, address)
		);
		CREATE INDEX IF NOT EXISTS idx_lead_senders_site ON lead_senders(site_id);
	`)
	return err
}

// Upsert registers a sender as a known automated lead for a site. The
// address is normalized before storage; an empty normalization is an error
// because an unmatched row would never be hit by lookups.
func (s *Store) Upsert(ctx context.Context, siteID, address, source string) error {
	norm := identity.BareAddress(address)
	if norm == "" {
		return fmt.Errorf("lead sender address %q has no parseable address", address)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO lead_senders (site_id, address, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id, address) DO UPDATE SET
			source     = EXCLUDED.source,
			updated_at = NOW()
	`, siteID, norm, source)
	if err != nil {
		return fmt.Errorf("upsert lead sender: %w", err)
	}
	return nil
}

// BulkLookup returns which of the given addresses are known lead senders
// for the site, as a set keyed by normalized bare address.
func (s *Store) BulkLookup(ctx context.Context, siteID string, addresses []string) (map[string]bool, error) {
	found := make(map[string]bool, len(addresses))
	if len(addresses) == 0 {
		return found, nil
	}

	normalized := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if n := identity.BareAddress(a); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT address FROM lead_senders
		WHERE site_id = $1 AND address = ANY($2)
	`, siteID, normalized)
	if err != nil {
		return nil, fmt.Errorf("bulk lead lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		found[addr] = true
	}
	return found, rows.Err()
}
