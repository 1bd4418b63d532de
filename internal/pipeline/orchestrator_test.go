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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/models"
)

// --- Mock ledger ---

type mockLedger struct {
	mu      sync.Mutex
	entries map[string]*ledger.Entry // keyed by fingerprint
	failAll bool
	upserts int
}

func newMockLedger() *mockLedger {
	return &mockLedger{entries: make(map[string]*ledger.Entry)}
}

func (m *mockLedger) put(fp string, status ledger.Status, meta map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fp] = &ledger.Entry{
		ExternalID:  fp,
		Status:      status,
		Metadata:    meta,
		FirstSeenAt: time.Now(),
	}
}

func (m *mockLedger) UpsertPending(_ context.Context, externalID, siteID, objectType, provider string, metadata map[string]any) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("ledger unavailable")
	}
	m.upserts++
	if e, ok := m.entries[externalID]; ok {
		return e, nil
	}
	e := &ledger.Entry{
		ExternalID:  externalID,
		SiteID:      siteID,
		ObjectType:  objectType,
		Status:      ledger.StatusPending,
		Provider:    provider,
		Metadata:    metadata,
		FirstSeenAt: time.Now(),
	}
	m.entries[externalID] = e
	return e, nil
}

func (m *mockLedger) BulkProcessed(_ context.Context, siteID, objectType string, externalIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("ledger unavailable")
	}
	out := make(map[string]bool)
	for _, id := range externalIDs {
		if e, ok := m.entries[id]; ok && e.Status.Terminal() {
			out[id] = true
		}
	}
	return out, nil
}

func (m *mockLedger) RecentEntries(_ context.Context, siteID, objectType string, since time.Time) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("ledger unavailable")
	}
	var out []ledger.Entry
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

// --- Mock lead directory ---

type mockLeads struct {
	mu    sync.Mutex
	known map[string]bool
	calls int
}

func (m *mockLeads) BulkLookup(_ context.Context, siteID string, addresses []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := make(map[string]bool)
	for _, a := range addresses {
		if m.known[a] {
			out[a] = true
		}
	}
	return out, nil
}

// --- Helpers ---

var batchTime = time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

func inquiry(from, to, subject string) *models.EmailEvent {
	return &models.EmailEvent{
		From:      models.EmailAddress{Address: from},
		To:        []models.EmailAddress{{Address: to}},
		Subject:   subject,
		Body:      "Hello, I would like to know more about your offering and pricing.",
		Timestamp: batchTime,
	}
}

func testSite() *models.SiteConfig {
	return &models.SiteConfig{
		SiteID:       "site-1",
		OwnAddresses: []string{"owner@shop.example"},
		Aliases:      []string{"deals@shop.example"},
	}
}

// TestFilterBatch_Disjointness verifies the buckets partition the
// surviving input.
func TestFilterBatch_Disjointness(t *testing.T) {
	ml := newMockLedger()
	leads := &mockLeads{known: map[string]bool{"lead@partner.example": true}}
	o := New(Config{Ledger: ml, Leads: leads})

	events := []*models.EmailEvent{
		inquiry("lead@partner.example", "inbox@shop.example", "Re: your follow-up"),
		inquiry("customer@somewhere.example", "deals@shop.example", "deal question"),
		inquiry("other@elsewhere.example", "inbox@shop.example", "plain question"),
	}

	res := o.FilterBatch(context.Background(), events, testSite())

	if got := len(res.Routed.Leads) + len(res.Routed.Alias) + len(res.Routed.Agent); got != 3 {
		t.Fatalf("buckets hold %d events, want 3", got)
	}

	seen := make(map[*models.EmailEvent]int)
	for _, ev := range res.Routed.Leads {
		seen[ev]++
	}
	for _, ev := range res.Routed.Alias {
		seen[ev]++
	}
	for _, ev := range res.Routed.Agent {
		seen[ev]++
	}
	for ev, n := range seen {
		if n != 1 {
			t.Errorf("event %q appears in %d buckets", ev.Subject, n)
		}
	}

	if res.Summary.AILeadsFound != 1 || res.Summary.AliasFiltered != 1 || res.Summary.FinalCount != 1 {
		t.Errorf("summary = %+v, want 1 lead / 1 alias / 1 agent", res.Summary)
	}
}

// TestFilterBatch_LeadBypassesAlias verifies a known lead sender writing
// to an alias address still lands in the lead bucket (Scenario C).
func TestFilterBatch_LeadBypassesAlias(t *testing.T) {
	ml := newMockLedger()
	leads := &mockLeads{known: map[string]bool{"lead@partner.example": true}}
	o := New(Config{Ledger: ml, Leads: leads})

	events := []*models.EmailEvent{
		inquiry("Lead Person <lead@partner.example>", "deals@shop.example", "Re: offer"),
	}

	res := o.FilterBatch(context.Background(), events, testSite())

	if len(res.Routed.Leads) != 1 {
		t.Fatalf("leads = %d, want 1", len(res.Routed.Leads))
	}
	if len(res.Routed.Alias) != 0 {
		t.Errorf("alias bucket = %d, want 0 — lead bypass must precede alias filtering", len(res.Routed.Alias))
	}
}

// TestFilterBatch_ExcludesProcessed verifies Scenario D: an event already
// marked processed in the ledger is excluded even though it passes all
// content filters.
func TestFilterBatch_ExcludesProcessed(t *testing.T) {
	ev := inquiry("customer@somewhere.example", "inbox@shop.example", "hello again")
	fp := identity.Fingerprint(ev)
	if fp == "" {
		t.Fatal("test event must fingerprint")
	}

	ml := newMockLedger()
	ml.put(fp, ledger.StatusProcessed, nil)
	o := New(Config{Ledger: ml})

	res := o.FilterBatch(context.Background(), []*models.EmailEvent{ev}, testSite())

	if got := len(res.Routed.Leads) + len(res.Routed.Alias) + len(res.Routed.Agent); got != 0 {
		t.Errorf("processed event survived into %d bucket slots", got)
	}
	if res.Summary.DuplicateFiltered != 1 {
		t.Errorf("duplicateFiltered = %d, want 1", res.Summary.DuplicateFiltered)
	}
}

// TestFilterBatch_PendingIsNotExcluded verifies merely-seen events are
// reprocessed: only terminal states count as handled.
func TestFilterBatch_PendingIsNotExcluded(t *testing.T) {
	ev := inquiry("customer@somewhere.example", "inbox@shop.example", "hello again")
	fp := identity.Fingerprint(ev)

	ml := newMockLedger()
	ml.put(fp, ledger.StatusPending, nil)
	o := New(Config{Ledger: ml})

	res := o.FilterBatch(context.Background(), []*models.EmailEvent{ev}, testSite())

	if len(res.Routed.Agent) != 1 {
		t.Errorf("pending event should survive, agent bucket = %d", len(res.Routed.Agent))
	}
}

// TestFilterBatch_JunkAndSelfSentCounting verifies the summary counters.
func TestFilterBatch_JunkAndSelfSentCounting(t *testing.T) {
	ml := newMockLedger()
	o := New(Config{Ledger: ml})

	bounce := inquiry("mailer-daemon@mta.example", "inbox@shop.example", "failure")
	self := inquiry("owner@shop.example", "inbox@shop.example", "note to self")
	spoof := inquiry("ceo@shop-example.example", "inbox@shop.example", "urgent wire")
	spoof.Headers = map[string]string{"Authentication-Results": "mx.example; spf=fail smtp.mailfrom=shop-example.example"}
	ok := inquiry("customer@somewhere.example", "inbox@shop.example", "question")

	res := o.FilterBatch(context.Background(), []*models.EmailEvent{bounce, self, spoof, ok}, testSite())

	if res.Summary.OriginalCount != 4 {
		t.Errorf("originalCount = %d, want 4", res.Summary.OriginalCount)
	}
	if res.Summary.FeedbackLoopFiltered != 1 {
		t.Errorf("feedbackLoopFiltered = %d, want 1", res.Summary.FeedbackLoopFiltered)
	}
	if res.Summary.SelfSentFiltered != 1 {
		t.Errorf("selfSentFiltered = %d, want 1", res.Summary.SelfSentFiltered)
	}
	if res.Summary.SecurityFiltered != 1 {
		t.Errorf("securityFiltered = %d, want 1", res.Summary.SecurityFiltered)
	}
	if res.Summary.FinalCount != 1 {
		t.Errorf("finalCount = %d, want 1", res.Summary.FinalCount)
	}
}

// TestFilterBatch_FailsOpenOnLedgerError verifies a ledger outage keeps
// events flowing instead of dropping them.
func TestFilterBatch_FailsOpenOnLedgerError(t *testing.T) {
	ml := newMockLedger()
	ml.failAll = true
	o := New(Config{Ledger: ml})

	events := []*models.EmailEvent{
		inquiry("customer@somewhere.example", "inbox@shop.example", "question"),
	}

	res := o.FilterBatch(context.Background(), events, testSite())

	if len(res.Routed.Agent) != 1 {
		t.Errorf("event dropped during ledger outage: agent = %d, want 1", len(res.Routed.Agent))
	}
}

// TestFilterBatch_SecondaryMatcherCatchesRetry verifies a retried delivery
// with a different transport identifier is caught by the temporal matcher.
func TestFilterBatch_SecondaryMatcherCatchesRetry(t *testing.T) {
	ml := newMockLedger()
	// A sent-email entry for the same recipient three minutes earlier,
	// already handled.
	ml.put("recv-cafe0001-sent01", ledger.StatusReplied, map[string]any{
		"subject":   "quote request",
		"recipient": "customer@somewhere.example",
		"sent_at":   batchTime.Add(-3 * time.Minute).Format(time.RFC3339),
	})
	o := New(Config{Ledger: ml})

	// The incoming copy fingerprints differently (env-) but hits tier 3:
	// same recipient within the wide window.
	ev := inquiry("shop@shop.example", "customer@somewhere.example", "totally different")
	ev.Timestamp = batchTime

	res := o.FilterBatch(context.Background(), []*models.EmailEvent{ev}, testSite())

	if res.Summary.DuplicateFiltered != 1 {
		t.Errorf("duplicateFiltered = %d, want 1 (matcher tier 3)", res.Summary.DuplicateFiltered)
	}
}

// TestFilterBatch_MalformedSiteConfig verifies degraded routing when the
// site config is unusable.
func TestFilterBatch_MalformedSiteConfig(t *testing.T) {
	o := New(Config{Ledger: newMockLedger()})

	events := []*models.EmailEvent{
		inquiry("customer@somewhere.example", "deals@shop.example", "question"),
	}

	res := o.FilterBatch(context.Background(), events, nil)

	if len(res.Routed.Agent) != 1 {
		t.Errorf("agent = %d, want 1 (no special routing without config)", len(res.Routed.Agent))
	}
	if len(res.Routed.Alias) != 0 {
		t.Errorf("alias routing happened without an alias list")
	}
}

// TestFilterBatch_UpsertsFirstSightings verifies survivors are registered
// in the ledger during the pass.
func TestFilterBatch_UpsertsFirstSightings(t *testing.T) {
	ml := newMockLedger()
	o := New(Config{Ledger: ml})

	events := []*models.EmailEvent{
		inquiry("a@x.com", "inbox@shop.example", "one"),
		inquiry("b@x.com", "inbox@shop.example", "two"),
	}

	o.FilterBatch(context.Background(), events, testSite())

	if ml.upserts != 2 {
		t.Errorf("upserts = %d, want 2", ml.upserts)
	}
}
