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

package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/pipeline"
	"github.com/bcem/mailflow/internal/provider"
	"github.com/bcem/mailflow/internal/router"
)

// mockSeen remembers fingerprints across calls.
type mockSeen struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMockSeen() *mockSeen {
	return &mockSeen{seen: make(map[string]bool)}
}

func (m *mockSeen) FirstSighting(ctx context.Context, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[fp] {
		return false, nil
	}
	m.seen[fp] = true
	return true, nil
}

// mockDispatcher records routed buckets per publish.
type mockDispatcher struct {
	mu        sync.Mutex
	published []router.Routed
}

func (m *mockDispatcher) PublishRouted(ctx context.Context, siteID string, routed router.Routed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, routed)
	return nil
}

func (m *mockDispatcher) totalRouted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.published {
		n += len(r.Leads) + len(r.Alias) + len(r.Agent)
	}
	return n
}

type fakeMessage struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
	From       struct {
		Address string `json:"address"`
	} `json:"from"`
	To []struct {
		Address string `json:"address"`
	} `json:"to"`
}

func newFakeMessage(id, from, to, subject string, at time.Time) fakeMessage {
	var m fakeMessage
	m.ID = id
	m.Subject = subject
	m.Body = "Hello, I would like more information please."
	m.ReceivedAt = at.UTC().Format(time.RFC3339)
	m.From.Address = from
	m.To = []struct {
		Address string `json:"address"`
	}{{Address: to}}
	return m
}

// fakeProvider serves every stored message on any since-listing, mimicking
// the provider's since-based semantics.
func fakeProvider(t *testing.T, messages []fakeMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"messages": messages}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode fake page: %v", err)
		}
	}))
}

func testSite() *models.SiteConfig {
	return &models.SiteConfig{
		SiteID:       "acme",
		OwnAddresses: []string{"agent@acme.example"},
	}
}

// TestRun_RoutesHistoricalMail verifies a full run lists, filters, and
// dispatches historical messages across chunked windows.
func TestRun_RoutesHistoricalMail(t *testing.T) {
	now := time.Now().UTC()
	messages := []fakeMessage{
		newFakeMessage("m1", "buyer1@out.example", "agent@acme.example", "Older inquiry", now.Add(-90*time.Minute)),
		newFakeMessage("m2", "buyer2@out.example", "agent@acme.example", "Newer inquiry", now.Add(-30*time.Minute)),
		newFakeMessage("m3", "mailer-daemon@relay.example", "agent@acme.example", "Undelivered Mail Returned to Sender", now.Add(-30*time.Minute)),
	}

	srv := fakeProvider(t, messages)
	defer srv.Close()

	dispatch := &mockDispatcher{}
	runner := NewRunner(RunnerConfig{
		Fetcher:      provider.NewFetcher(srv.Client(), srv.URL, "generic"),
		Orchestrator: pipeline.New(pipeline.Config{}),
		Dispatcher:   dispatch,
		Seen:         newMockSeen(),
		Chunk:        time.Hour,
		WindowDelay:  time.Millisecond,
	})

	result, err := runner.Run(context.Background(), Request{
		Site:      testSite(),
		Mailboxes: []string{"agent@acme.example"},
		Since:     2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Mailboxes) != 1 {
		t.Fatalf("mailbox results = %d, want 1", len(result.Mailboxes))
	}
	mr := result.Mailboxes[0]

	if mr.Listed != 3 {
		t.Errorf("listed = %d, want 3", mr.Listed)
	}
	// m1 and m2 route to the agent; m3 is a bounce.
	if result.TotalRouted != 2 {
		t.Errorf("total routed = %d, want 2", result.TotalRouted)
	}
	if got := dispatch.totalRouted(); got != 2 {
		t.Errorf("dispatched events = %d, want 2", got)
	}
	if mr.Errors != 0 {
		t.Errorf("errors = %d, want 0", mr.Errors)
	}
}

// TestRun_SeenCacheSkipsSecondPass verifies a rerun over the same range
// routes nothing: the shared seen cache already holds every fingerprint.
func TestRun_SeenCacheSkipsSecondPass(t *testing.T) {
	now := time.Now().UTC()
	messages := []fakeMessage{
		newFakeMessage("m1", "buyer@out.example", "agent@acme.example", "Inquiry", now.Add(-30*time.Minute)),
	}

	srv := fakeProvider(t, messages)
	defer srv.Close()

	seen := newMockSeen()
	dispatch := &mockDispatcher{}
	cfg := RunnerConfig{
		Fetcher:      provider.NewFetcher(srv.Client(), srv.URL, "generic"),
		Orchestrator: pipeline.New(pipeline.Config{}),
		Dispatcher:   dispatch,
		Seen:         seen,
		Chunk:        time.Hour,
		WindowDelay:  time.Millisecond,
	}

	req := Request{Site: testSite(), Mailboxes: []string{"agent@acme.example"}, Since: time.Hour}

	first, err := NewRunner(cfg).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.TotalRouted != 1 {
		t.Fatalf("first run routed = %d, want 1", first.TotalRouted)
	}

	second, err := NewRunner(cfg).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.TotalRouted != 0 {
		t.Errorf("second run routed = %d, want 0", second.TotalRouted)
	}
	if second.TotalSkipped != 1 {
		t.Errorf("second run skipped = %d, want 1", second.TotalSkipped)
	}
}

// TestRun_ListingFailureContinues verifies a failing mailbox does not abort
// the rest of the run.
func TestRun_ListingFailureContinues(t *testing.T) {
	now := time.Now().UTC()
	messages := []fakeMessage{
		newFakeMessage("m1", "buyer@out.example", "agent@acme.example", "Inquiry", now.Add(-30*time.Minute)),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"messages": %s}`, mustJSON(t, messages))
	}))
	defer srv.Close()

	dispatch := &mockDispatcher{}
	runner := NewRunner(RunnerConfig{
		Fetcher:      provider.NewFetcher(srv.Client(), srv.URL, "generic"),
		Orchestrator: pipeline.New(pipeline.Config{}),
		Dispatcher:   dispatch,
		Seen:         newMockSeen(),
		Chunk:        time.Hour,
		WindowDelay:  time.Millisecond,
	})

	result, err := runner.Run(context.Background(), Request{
		Site:      testSite(),
		Mailboxes: []string{"broken@acme.example", "agent@acme.example"},
		Since:     time.Hour,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Mailboxes) != 2 {
		t.Fatalf("mailbox results = %d, want 2", len(result.Mailboxes))
	}
	if result.Mailboxes[0].Errors == 0 {
		t.Errorf("broken mailbox should record an error")
	}
	if result.TotalRouted != 1 {
		t.Errorf("total routed = %d, want 1", result.TotalRouted)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
