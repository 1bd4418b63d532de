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

// Package syncer runs the receive-via-sync pipeline: a background loop
// that periodically lists recent messages from each site's provider and
// feeds them through the filter pipeline. Poll windows overlap on purpose
// (lookback > interval) so no message falls between polls; the resulting
// duplicates are absorbed by the seen cache and the ledger.
package syncer

import (
	"context"
	"log/slog"
	"sync"
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

// Site pairs a site's runtime config with its provider fetcher and the
// mailboxes to poll.
type Site struct {
	Config    *models.SiteConfig
	Fetcher   *provider.Fetcher
	Mailboxes []string
}

// PollerConfig holds the poller's dependencies.
type PollerConfig struct {
	Sites        []Site
	Orchestrator *pipeline.Orchestrator
	Dispatcher   Dispatcher
	Seen         SeenCache
	Interval     time.Duration
	Lookback     time.Duration
}

// Poller periodically syncs every configured site.
type Poller struct {
	sites    []Site
	orch     *pipeline.Orchestrator
	dispatch Dispatcher
	seen     SeenCache
	interval time.Duration
	lookback time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. Lookback should exceed the interval so poll
// windows overlap rather than gap.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookback < cfg.Interval {
		cfg.Lookback = 3 * cfg.Interval
	}
	return &Poller{
		sites:    cfg.Sites,
		orch:     cfg.Orchestrator,
		dispatch: cfg.Dispatcher,
		seen:     cfg.Seen,
		interval: cfg.Interval,
		lookback: cfg.Lookback,
	}
}

// Start launches the polling loop in the background.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight polls to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	slog.Info("sync poller starting",
		"sites", len(p.sites),
		"interval", p.interval,
		"lookback", p.lookback,
	)

	// Initial poll immediately.
	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync poller stopping")
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for i := range p.sites {
		if ctx.Err() != nil {
			return
		}
		p.PollSite(ctx, &p.sites[i])
	}
}

// PollSite lists recent messages for one site's mailboxes, drops sightings
// already absorbed in a previous window, and runs the remainder through
// the pipeline.
func (p *Poller) PollSite(ctx context.Context, site *Site) {
	since := time.Now().UTC().Add(-p.lookback)

	var batch []*models.EmailEvent
	for _, mailbox := range site.Mailboxes {
		events, err := site.Fetcher.ListSince(ctx, mailbox, since)
		if err != nil {
			slog.Error("sync list failed",
				"site", site.Config.SiteID,
				"mailbox", mailbox,
				"error", err,
			)
			continue
		}
		batch = append(batch, events...)
	}

	if len(batch) == 0 {
		slog.Debug("sync window empty", "site", site.Config.SiteID)
		return
	}

	fresh := p.dropRepeatSightings(ctx, batch)
	if len(fresh) == 0 {
		return
	}

	res := p.orch.FilterBatch(ctx, fresh, site.Config)

	if p.dispatch != nil {
		if err := p.dispatch.PublishRouted(ctx, site.Config.SiteID, res.Routed); err != nil {
			slog.Error("sync dispatch failed",
				"site", site.Config.SiteID,
				"error", err,
			)
		}
	}

	slog.Info("sync cycle complete",
		"site", site.Config.SiteID,
		"window_events", len(batch),
		"fresh", len(fresh),
		"agent", res.Summary.FinalCount,
		"leads", res.Summary.AILeadsFound,
		"alias", res.Summary.AliasFiltered,
	)
}

// dropRepeatSightings uses the seen cache to skip events an earlier
// overlapping window already pushed through the pipeline. Cache errors
// fail open: the ledger still guards correctness, this only saves work.
func (p *Poller) dropRepeatSightings(ctx context.Context, events []*models.EmailEvent) []*models.EmailEvent {
	if p.seen == nil {
		return events
	}

	fresh := events[:0]
	for _, ev := range events {
		fp := identity.Fingerprint(ev)
		if fp == "" {
			fresh = append(fresh, ev)
			continue
		}

		first, err := p.seen.FirstSighting(ctx, fp)
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
