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

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultSeenTTL is how long a fingerprint stays in the fast-path
	// cache. The Postgres ledger is the durable record; the cache only
	// needs to cover the window in which pipelines overlap.
	DefaultSeenTTL = 24 * time.Hour

	// seenKeyPrefix namespaces cache keys in Redis.
	seenKeyPrefix = "mailflow:seen:"
)

// SeenCache is an advisory first-sighting filter in front of the ledger,
// backed by Redis SETNX. It shrinks the race window between the send path
// and the sync path without being authoritative — the ledger's uniqueness
// constraint remains the arbiter.
type SeenCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSeenCache creates a seen cache with the default TTL.
func NewSeenCache(rdb *redis.Client) *SeenCache {
	return &SeenCache{rdb: rdb, ttl: DefaultSeenTTL}
}

// FirstSighting returns true if the fingerprint has NOT been seen before,
// marking it seen atomically (SETNX). Callers must treat an error as
// "first sighting" — losing the fast path is acceptable, losing an email
// is not.
func (c *SeenCache) FirstSighting(ctx context.Context, fingerprint string) (bool, error) {
	key := fmt.Sprintf("%s%s", seenKeyPrefix, fingerprint)

	set, err := c.rdb.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return true, fmt.Errorf("seen cache SETNX: %w", err)
	}

	return set, nil
}
