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

// Package backfill provides historical ingestion by listing messages
// within a date range from the provider API and running them through the
// existing filter pipeline. Intended for seeding the ledger and routing
// queues on new deployments.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/pipeline"
	"github.com/bcem/mailflow/internal/provider"
	"github.com/bcem/mailflow/internal/router"
)

// SeenCache is the fast-path first-sighting filter. Implemented by
// ledger.SeenCache.
type SeenCache interface {
	FirstSighting(ctx context.Context, fingerprint string) (bool, error)
}

// Dispatcher publishes routed buckets downstream. Implemented by
// dispatch.Publisher.
type Dispatcher interface {
	PublishRouted(ctx context.Context, siteID string, routed router.Routed) error
}

// Request defines the scope of a historical ingestion run.
type Request struct {
	Site      *models.SiteConfig
	Mailboxes []string
	Since     time.Duration // lookback window (e.g. 168h = 1 week)
}

// Result summarises a completed backfill run.
type Result struct {
	SiteID       string
	Mailboxes    []MailboxResult
	TotalRouted  int
	TotalSkipped int
	Elapsed      time.Duration
}

// MailboxResult tracks per-mailbox backfill progress.
type MailboxResult struct {
	Mailbox string
	Listed  int
	Routed  int
	Skipped int
	Errors  int
}

// Runner performs historical ingestion for one site.
type Runner struct {
	fetcher     *provider.Fetcher
	orch        *pipeline.Orchestrator
	dispatch    Dispatcher
	seen        SeenCache
	chunk       time.Duration // window size per listing call
	windowDelay time.Duration // delay between windows to avoid throttling
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Fetcher      *provider.Fetcher
	Orchestrator *pipeline.Orchestrator
	Dispatcher   Dispatcher
	Seen         SeenCache
	Chunk        time.Duration
	WindowDelay  time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	chunk := cfg.Chunk
	if chunk == 0 {
		chunk = 24 * time.Hour
	}
	delay := cfg.WindowDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		fetcher:     cfg.Fetcher,
		orch:        cfg.Orchestrator,
		dispatch:    cfg.Dispatcher,
		seen:        cfg.Seen,
		chunk:       chunk,
		windowDelay: delay,
	}
}

// Run performs the backfill for all specified mailboxes.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	slog.Info("starting historical backfill",
		"site", req.Site.SiteID,
		"mailboxes", len(req.Mailboxes),
		"since", req.Since,
	)

	result := &Result{
		SiteID: req.Site.SiteID,
	}

	for _, mailbox := range req.Mailboxes {
		mr, err := r.backfillMailbox(ctx, req.Site, mailbox, req.Since)
		if err != nil {
			slog.Error("backfill failed for mailbox",
				"site", req.Site.SiteID,
				"mailbox", mailbox,
				"error", err,
			)
			// Continue with other mailboxes
			mr = MailboxResult{Mailbox: mailbox, Errors: 1}
		}

		result.Mailboxes = append(result.Mailboxes, mr)
		result.TotalRouted += mr.Routed
		result.TotalSkipped += mr.Skipped
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"site", req.Site.SiteID,
		"total_routed", result.TotalRouted,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// backfillMailbox walks the lookback range in chunks, oldest first, running
// each chunk through the pipeline. Chunking keeps a long backfill resumable:
// an error loses at most one window, not the whole run.
func (r *Runner) backfillMailbox(ctx context.Context, site *models.SiteConfig, mailbox string, lookback time.Duration) (MailboxResult, error) {
	mr := MailboxResult{Mailbox: mailbox}

	now := time.Now().UTC()
	windowStart := now.Add(-lookback)

	slog.Info("backfilling mailbox",
		"site", site.SiteID,
		"mailbox", mailbox,
		"from", windowStart.Format(time.RFC3339),
	)

	windowCount := 0
	for windowStart.Before(now) {
		// Rate limit between windows
		if windowCount > 0 {
			select {
			case <-ctx.Done():
				return mr, ctx.Err()
			case <-time.After(r.windowDelay):
			}
		}

		events, err := r.fetcher.ListSince(ctx, mailbox, windowStart)
		if err != nil {
			mr.Errors++
			slog.Warn("backfill window listing failed",
				"mailbox", mailbox,
				"window", windowStart.Format(time.RFC3339),
				"error", err,
			)
			windowStart = windowStart.Add(r.chunk)
			windowCount++
			continue
		}

		windowEnd := windowStart.Add(r.chunk)
		batch := eventsInWindow(events, windowStart, windowEnd)
		windowCount++

		slog.Debug("backfill window listed",
			"mailbox", mailbox,
			"window", windowStart.Format(time.RFC3339),
			"events", len(batch),
		)

		mr.Listed += len(batch)

		fresh := r.dropRepeatSightings(ctx, batch)
		mr.Skipped += len(batch) - len(fresh)

		if len(fresh) > 0 {
			res := r.orch.FilterBatch(ctx, fresh, site)

			if r.dispatch != nil {
				if err := r.dispatch.PublishRouted(ctx, site.SiteID, res.Routed); err != nil {
					slog.Warn("backfill dispatch failed",
						"mailbox", mailbox,
						"error", err,
					)
					mr.Errors++
				}
			}

			mr.Routed += res.Summary.FinalCount + res.Summary.AILeadsFound + res.Summary.AliasFiltered
			mr.Skipped += res.Summary.OriginalCount - res.Summary.FinalCount -
				res.Summary.AILeadsFound - res.Summary.AliasFiltered
		}

		windowStart = windowEnd
	}

	slog.Info("mailbox backfill complete",
		"site", site.SiteID,
		"mailbox", mailbox,
		"listed", mr.Listed,
		"routed", mr.Routed,
		"skipped", mr.Skipped,
		"errors", mr.Errors,
		"windows", windowCount,
	)

	return mr, nil
}

// eventsInWindow keeps events whose timestamp falls inside [start, end).
// The provider listing is since-based, so without this cut each chunk
// would re-list everything newer than its start.
func eventsInWindow(events []*models.EmailEvent, start, end time.Time) []*models.EmailEvent {
	var in []*models.EmailEvent
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			// No timestamp to bucket by; the seen cache absorbs the
			// repeats across windows.
			in = append(in, ev)
			continue
		}
		ts := ev.Timestamp.UTC()
		if !ts.Before(start) && ts.Before(end) {
			in = append(in, ev)
		}
	}
	return in
}

// dropRepeatSightings shares the seen-cache namespace with the sync poller
// so a backfill never re-routes mail the live pipeline already handled.
func (r *Runner) dropRepeatSightings(ctx context.Context, events []*models.EmailEvent) []*models.EmailEvent {
	if r.seen == nil {
		return events
	}

	fresh := events[:0]
	for _, ev := range events {
		fp := identity.Fingerprint(ev)
		if fp == "" {
			fresh = append(fresh, ev)
			continue
		}

		first, err := r.seen.FirstSighting(ctx, fp)
		if err != nil {
			slog.Warn("seen cache check failed, keeping event", "error", err)
			fresh = append(fresh, ev)
			continue
		}
		if first {
			fresh = append(fresh, ev)
		}
	}
	return fresh
}
