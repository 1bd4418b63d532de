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

// Package pipeline composes the junk filter, lead/alias lookups, and
// ledger checks into one pass over a batch. The orchestration order
// matters: the lead bypass must precede alias filtering, or genuine
// automated-lead replies sent through an alias-shaped address would be
// dropped from the lead path.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/junk"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/match"
	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/router"
)

// Ledger is the slice of the ledger store the orchestrator needs.
type Ledger interface {
	UpsertPending(ctx context.Context, externalID, siteID, objectType, provider string, metadata map[string]any) (*ledger.Entry, error)
	BulkProcessed(ctx context.Context, siteID, objectType string, externalIDs []string) (map[string]bool, error)
	RecentEntries(ctx context.Context, siteID, objectType string, since time.Time) ([]ledger.Entry, error)
}

// LeadDirectory is the slice of the lead-sender store the orchestrator needs.
type LeadDirectory interface {
	BulkLookup(ctx context.Context, siteID string, addresses []string) (map[string]bool, error)
}

// Summary counts what happened to a batch, per rejection category. Field
// names follow the JSON contract consumed by operators' dashboards.
type Summary struct {
	OriginalCount        int `json:"originalCount"`
	FeedbackLoopFiltered int `json:"feedbackLoopFiltered"`
	SelfSentFiltered     int `json:"selfSentFiltered"`
	AliasFiltered        int `json:"aliasFiltered"`
	DuplicateFiltered    int `json:"duplicateFiltered"`
	SecurityFiltered     int `json:"securityFiltered"`
	FinalCount           int `json:"finalCount"`
	AILeadsFound         int `json:"aiLeadsFound"`
}

// Result is the outcome of one batch pass: three disjoint buckets plus
// the summary.
type Result struct {
	Routed  router.Routed
	Summary Summary
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Junk    *junk.Filter
	Matcher *match.Matcher
	Ledger  Ledger
	Leads   LeadDirectory

	// MatchLookback bounds how far back RecentEntries reaches for the
	// duplicate matcher's candidate pool.
	MatchLookback time.Duration
}

// Orchestrator runs the comprehensive filter pass.
type Orchestrator struct {
	junk     *junk.Filter
	matcher  *match.Matcher
	ledger   Ledger
	leads    LeadDirectory
	lookback time.Duration
}

// New creates an orchestrator, filling in defaults for nil collaborators
// where a pure default exists.
func New(cfg Config) *Orchestrator {
	if cfg.Junk == nil {
		cfg.Junk = junk.NewFilter(nil)
	}
	if cfg.Matcher == nil {
		cfg.Matcher = match.New(match.Config{})
	}
	if cfg.MatchLookback == 0 {
		cfg.MatchLookback = time.Hour
	}
	return &Orchestrator{
		junk:     cfg.Junk,
		matcher:  cfg.Matcher,
		ledger:   cfg.Ledger,
		leads:    cfg.Leads,
		lookback: cfg.MatchLookback,
	}
}

// FilterBatch runs the full pass over one batch and returns the routed
// buckets plus the summary. It never fails the batch: datastore errors
// are logged and treated as "unprocessed" (fail open), and a malformed
// site config degrades to agent-only routing.
func (o *Orchestrator) FilterBatch(ctx context.Context, events []*models.EmailEvent, site *models.SiteConfig) *Result {
	res := &Result{}
	res.Summary.OriginalCount = len(events)

	if site == nil {
		site = &models.SiteConfig{}
	}
	if site.SiteID == "" {
		slog.Warn("batch has no site id, routing everything to agent review")
	}

	// Stage 1: junk / self-sent / security filtering, per item.
	var survivors []*models.EmailEvent
	for _, ev := range events {
		if v := o.junk.Classify(ev, site); v.Rejected {
			res.Summary.FeedbackLoopFiltered++
			slog.Debug("event rejected by junk filter",
				"reason", v.Reason,
				"rule", v.Rule,
				"from", ev.From.Address,
			)
			continue
		}
		if isSelfSent(ev, site) {
			res.Summary.SelfSentFiltered++
			continue
		}
		if failsAuthentication(ev) {
			res.Summary.SecurityFiltered++
			slog.Debug("event rejected by authentication results",
				"from", ev.From.Address,
			)
			continue
		}
		survivors = append(survivors, ev)
	}

	// Stage 2: bulk lead-sender lookup — one query for the whole batch.
	leadSet := o.lookupLeads(ctx, survivors, site)

	// Stage 3: fingerprint every survivor and exclude already-processed
	// ones via one bulk ledger query. Unidentifiable events stay in the
	// batch: losing dedup on one event beats silently dropping it.
	survivors = o.excludeProcessed(ctx, survivors, site, &res.Summary)

	// Stage 4: route. Lead priority inside Route implements the bypass:
	// a known lead sender wins even when addressed to an alias.
	res.Routed = router.Route(survivors, leadSet, site.Aliases)
	res.Summary.AILeadsFound = len(res.Routed.Leads)
	res.Summary.AliasFiltered = len(res.Routed.Alias)
	res.Summary.FinalCount = len(res.Routed.Agent)

	slog.Info("batch filtered",
		"site", site.SiteID,
		"original", res.Summary.OriginalCount,
		"junk", res.Summary.FeedbackLoopFiltered,
		"self_sent", res.Summary.SelfSentFiltered,
		"security", res.Summary.SecurityFiltered,
		"duplicates", res.Summary.DuplicateFiltered,
		"leads", res.Summary.AILeadsFound,
		"alias", res.Summary.AliasFiltered,
		"agent", res.Summary.FinalCount,
	)

	return res
}

// lookupLeads batches the known-lead-sender query. On error it logs and
// returns an empty set: events then fall through to alias/agent routing
// rather than being lost.
func (o *Orchestrator) lookupLeads(ctx context.Context, events []*models.EmailEvent, site *models.SiteConfig) map[string]bool {
	if o.leads == nil || site.SiteID == "" || len(events) == 0 {
		return nil
	}

	senders := make([]string, 0, len(events))
	for _, ev := range events {
		if a := identity.BareAddress(ev.From.Address); a != "" {
			senders = append(senders, a)
		}
	}

	leadSet, err := o.leads.BulkLookup(ctx, site.SiteID, senders)
	if err != nil {
		slog.Error("lead sender lookup failed, treating batch as lead-free",
			"site", site.SiteID,
			"error", err,
		)
		return nil
	}
	return leadSet
}

// excludeProcessed fingerprints the events, registers first sightings in
// the ledger, and drops events the ledger already marks handled. Events
// with envelope-derived fingerprints additionally go through the secondary
// duplicate matcher against recent sent-email entries.
func (o *Orchestrator) excludeProcessed(ctx context.Context, events []*models.EmailEvent, site *models.SiteConfig, sum *Summary) []*models.EmailEvent {
	if o.ledger == nil || site.SiteID == "" || len(events) == 0 {
		return events
	}

	fps := make([]string, 0, len(events))
	byEvent := make(map[*models.EmailEvent]string, len(events))
	for _, ev := range events {
		fp := identity.Fingerprint(ev)
		if fp == "" {
			slog.Warn("event has no derivable fingerprint, skipping dedup for it",
				"from", ev.From.Address,
				"subject", ev.Subject,
			)
			continue
		}
		byEvent[ev] = fp
		fps = append(fps, fp)
	}

	processed, err := o.ledger.BulkProcessed(ctx, site.SiteID, models.ObjectTypeEmail, fps)
	if err != nil {
		// Fail open: a ledger outage must not drop legitimate email.
		slog.Error("bulk ledger lookup failed, treating batch as unprocessed",
			"site", site.SiteID,
			"error", err,
		)
		processed = nil
	}

	// Candidate pool for the secondary matcher, fetched once per batch.
	var candidates []ledger.Entry
	if needsSecondaryPass(events, byEvent) {
		candidates, err = o.ledger.RecentEntries(ctx, site.SiteID, models.ObjectTypeSentEmail, time.Now().Add(-o.lookback))
		if err != nil {
			slog.Error("recent ledger entries lookup failed, skipping duplicate matcher",
				"site", site.SiteID,
				"error", err,
			)
			candidates = nil
		}
	}

	kept := events[:0]
	for _, ev := range events {
		fp := byEvent[ev]
		if fp == "" {
			kept = append(kept, ev) // unidentifiable: fail open
			continue
		}

		if processed[fp] {
			sum.DuplicateFiltered++
			continue
		}

		// Secondary pass for envelope-derived fingerprints only: a native
		// identifier that missed the ledger is genuinely new, but an
		// envelope fingerprint can differ across buckets for the same
		// logical email.
		if strings.HasPrefix(fp, "env-") && len(candidates) > 0 {
			if m := o.matcher.FindDuplicate(ev, candidates); m != nil && m.Entry.Status.Terminal() {
				sum.DuplicateFiltered++
				slog.Debug("event excluded by duplicate matcher",
					"tier", m.Tier,
					"confidence", m.Confidence,
					"matched", m.Entry.ExternalID,
				)
				continue
			}
		}

		// First sighting: record atomically. If a racing pipeline already
		// finished this fingerprint, the returned row says so.
		entry, err := o.ledger.UpsertPending(ctx, fp, site.SiteID, models.ObjectTypeEmail, ev.Provider, upsertMetadata(ev))
		if err != nil {
			slog.Error("ledger upsert failed, keeping event",
				"fingerprint", fp,
				"error", err,
			)
			kept = append(kept, ev)
			continue
		}
		if entry.Status.Terminal() {
			sum.DuplicateFiltered++
			continue
		}

		kept = append(kept, ev)
	}

	return kept
}

// needsSecondaryPass reports whether any event carries an envelope-derived
// fingerprint; only those need the content/temporal matcher.
func needsSecondaryPass(events []*models.EmailEvent, byEvent map[*models.EmailEvent]string) bool {
	for _, ev := range events {
		if strings.HasPrefix(byEvent[ev], "env-") {
			return true
		}
	}
	return false
}

// upsertMetadata captures the envelope fields the duplicate matcher reads
// back out of candidate rows.
func upsertMetadata(ev *models.EmailEvent) map[string]any {
	meta := map[string]any{
		match.MetaSubject:   ev.Subject,
		match.MetaRecipient: ev.FirstRecipient(),
	}
	if id := identity.NativeID(ev); id != "" {
		meta[match.MetaNativeID] = id
	}
	if !ev.Timestamp.IsZero() {
		meta[match.MetaSentAt] = ev.Timestamp.UTC().Format(time.RFC3339)
	}
	return meta
}

// isSelfSent reports whether the event originates from one of the site's
// own sending identities (an outbound copy looping back in).
func isSelfSent(ev *models.EmailEvent, site *models.SiteConfig) bool {
	sender := identity.BareAddress(ev.From.Address)
	if sender == "" {
		return false
	}
	for _, own := range site.OwnAddresses {
		if identity.BareAddress(own) == sender {
			return true
		}
	}
	return false
}

// failsAuthentication checks the upstream authentication verdict recorded
// by the receiving MTA.
func failsAuthentication(ev *models.EmailEvent) bool {
	res := strings.ToLower(ev.Header("Authentication-Results"))
	if res == "" {
		return false
	}
	return strings.Contains(res, "spf=fail") ||
		strings.Contains(res, "dkim=fail") ||
		strings.Contains(res, "dmarc=fail")
}
