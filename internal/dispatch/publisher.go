// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch hands routed events to their downstream consumers via
// Redis lists, one queue per destination bucket. After a successful
// publish the ledger row moves to "processing"; the consumer owns the
// terminal transition (processed/replied/error).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/router"
)

// Bucket names used in task envelopes and queue selection.
const (
	BucketLead  = "lead"
	BucketAlias = "alias"
	BucketAgent = "agent"
)

// Queues names the Redis list per bucket.
type Queues struct {
	Leads string
	Alias string
	Agent string
}

// Ledger is the slice of the ledger store the publisher needs.
type Ledger interface {
	Transition(ctx context.Context, externalID, siteID, objectType string, status ledger.Status, metadata map[string]any, errMsg string) (*ledger.Entry, error)
}

// Task is the JSON envelope a downstream consumer pops from its queue.
type Task struct {
	ID          string             `json:"id"`
	BatchID     string             `json:"batch_id"`
	SiteID      string             `json:"site_id"`
	Bucket      string             `json:"bucket"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Event       *models.EmailEvent `json:"event"`
	EnqueuedAt  string             `json:"enqueued_at"`
}

// Publisher pushes routed buckets to Redis.
type Publisher struct {
	rdb    *redis.Client
	queues Queues
	ldg    Ledger
}

// NewPublisher creates a publisher. The ledger may be nil (tasks are then
// published without status transitions, e.g. in dry runs).
func NewPublisher(rdb *redis.Client, queues Queues, ldg Ledger) *Publisher {
	return &Publisher{rdb: rdb, queues: queues, ldg: ldg}
}

// PublishRouted publishes all three buckets of a routed batch. Publish
// failures are logged, recorded on the ledger row as errors, and surfaced
// in the returned error; successfully published events are unaffected.
func (p *Publisher) PublishRouted(ctx context.Context, siteID string, routed router.Routed) error {
	batchID := uuid.New().String()

	failed := 0
	total := 0
	for _, b := range []struct {
		bucket string
		queue  string
		events []*models.EmailEvent
	}{
		{BucketLead, p.queues.Leads, routed.Leads},
		{BucketAlias, p.queues.Alias, routed.Alias},
		{BucketAgent, p.queues.Agent, routed.Agent},
	} {
		for _, ev := range b.events {
			total++
			if err := p.publishOne(ctx, siteID, batchID, b.bucket, b.queue, ev); err != nil {
				failed++
				slog.Error("dispatch failed",
					"site", siteID,
					"bucket", b.bucket,
					"queue", b.queue,
					"error", err,
				)
			}
		}
	}

	if total > 0 {
		slog.Info("batch dispatched",
			"site", siteID,
			"batch_id", batchID,
			"events", total,
			"failed", failed,
		)
	}

	if failed > 0 {
		return fmt.Errorf("dispatch: %d of %d events failed to publish", failed, total)
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, siteID, batchID, bucket, queue string, ev *models.EmailEvent) error {
	fp := identity.Fingerprint(ev)

	task := Task{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		SiteID:      siteID,
		Bucket:      bucket,
		Fingerprint: fp,
		Event:       ev,
		EnqueuedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := p.rdb.LPush(ctx, queue, body).Err(); err != nil {
		p.markError(ctx, siteID, fp, err)
		return fmt.Errorf("redis LPUSH %s: %w", queue, err)
	}

	if p.ldg != nil && fp != "" {
		_, err := p.ldg.Transition(ctx, fp, siteID, models.ObjectTypeEmail, ledger.StatusProcessing,
			map[string]any{"bucket": bucket, "task_id": task.ID}, "")
		if err != nil {
			// The event is already queued; the consumer's terminal
			// transition will still land. Log and move on.
			slog.Warn("ledger transition to processing failed",
				"fingerprint", fp,
				"error", err,
			)
		}
	}

	return nil
}

// markError records a dispatch failure on the ledger row so operators can
// find stuck events.
func (p *Publisher) markError(ctx context.Context, siteID, fp string, cause error) {
	if p.ldg == nil || fp == "" {
		return
	}
	if _, err := p.ldg.Transition(ctx, fp, siteID, models.ObjectTypeEmail, ledger.StatusError, nil, cause.Error()); err != nil {
		slog.Warn("ledger transition to error failed",
			"fingerprint", fp,
			"error", err,
		)
	}
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
