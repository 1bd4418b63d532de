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

package match

import (
	"testing"
	"time"

	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/models"
)

var baseTime = time.Date(2026, 5, 2, 9, 15, 0, 0, time.UTC)

func candidate(meta map[string]any) ledger.Entry {
	return ledger.Entry{
		ExternalID:  "env-deadbeef-202605020915",
		SiteID:      "site-1",
		ObjectType:  models.ObjectTypeSentEmail,
		Status:      ledger.StatusProcessed,
		Metadata:    meta,
		FirstSeenAt: baseTime,
	}
}

// TestFindDuplicate_NativeIDTier verifies tier 1 short-circuits on a
// stored native identifier.
func TestFindDuplicate_NativeIDTier(t *testing.T) {
	m := New(Config{})

	ev := &models.EmailEvent{
		InternetMessageID: "<abc123@mail.example.com>",
		To:                []models.EmailAddress{{Address: "someone-else@y.com"}},
		Timestamp:         baseTime.Add(48 * time.Hour), // far outside any window
	}

	candidates := []ledger.Entry{
		candidate(map[string]any{MetaNativeID: "<other@mail.example.com>"}),
		candidate(map[string]any{MetaNativeID: "<abc123@mail.example.com>"}),
	}

	got := m.FindDuplicate(ev, candidates)
	if got == nil {
		t.Fatal("expected a tier 1 match")
	}
	if got.Tier != 1 || got.Confidence != ConfidenceHigh {
		t.Errorf("match = tier %d / %s, want tier 1 / high", got.Tier, got.Confidence)
	}
}

// TestFindDuplicate_SubjectRecipientTier verifies tier 2 within the tight
// window and its rejection outside it.
func TestFindDuplicate_SubjectRecipientTier(t *testing.T) {
	m := New(Config{})

	c := candidate(map[string]any{
		MetaSubject:   "Quote request",
		MetaRecipient: "b@y.com",
		MetaSentAt:    baseTime.Format(time.RFC3339),
	})

	ev := &models.EmailEvent{
		To:        []models.EmailAddress{{Address: "Bob <b@y.com>"}},
		Subject:   "  quote request ",
		Timestamp: baseTime.Add(90 * time.Second),
	}

	got := m.FindDuplicate(ev, []ledger.Entry{c})
	if got == nil || got.Tier != 2 || got.Confidence != ConfidenceHigh {
		t.Fatalf("match = %+v, want tier 2 / high", got)
	}

	// Outside the tight window but inside the wide one: degrades to tier 3.
	ev.Timestamp = baseTime.Add(5 * time.Minute)
	got = m.FindDuplicate(ev, []ledger.Entry{c})
	if got == nil || got.Tier != 3 || got.Confidence != ConfidenceMedium {
		t.Fatalf("match = %+v, want tier 3 / medium", got)
	}
}

// TestFindDuplicate_RecipientProximityTier verifies tier 3 and its
// ten-minute bound.
func TestFindDuplicate_RecipientProximityTier(t *testing.T) {
	m := New(Config{})

	c := candidate(map[string]any{
		MetaRecipient: "b@y.com",
		MetaSentAt:    baseTime.Format(time.RFC3339),
	})

	ev := &models.EmailEvent{
		To:        []models.EmailAddress{{Address: "b@y.com"}},
		Subject:   "completely different subject",
		Timestamp: baseTime.Add(9 * time.Minute),
	}

	if got := m.FindDuplicate(ev, []ledger.Entry{c}); got == nil || got.Tier != 3 {
		t.Fatalf("match = %+v, want tier 3", got)
	}

	ev.Timestamp = baseTime.Add(11 * time.Minute)
	if got := m.FindDuplicate(ev, []ledger.Entry{c}); got != nil {
		t.Errorf("match outside wide window = %+v, want none", got)
	}
}

// TestFindDuplicate_ConfigurableWindows verifies the windows are tunable.
func TestFindDuplicate_ConfigurableWindows(t *testing.T) {
	m := New(Config{WideWindow: 30 * time.Minute})

	c := candidate(map[string]any{
		MetaRecipient: "b@y.com",
		MetaSentAt:    baseTime.Format(time.RFC3339),
	})

	ev := &models.EmailEvent{
		To:        []models.EmailAddress{{Address: "b@y.com"}},
		Timestamp: baseTime.Add(25 * time.Minute),
	}

	if got := m.FindDuplicate(ev, []ledger.Entry{c}); got == nil || got.Tier != 3 {
		t.Fatalf("match = %+v, want tier 3 under widened window", got)
	}
}

// TestFindDuplicate_NoMatch verifies "not a duplicate" is the quiet default.
func TestFindDuplicate_NoMatch(t *testing.T) {
	m := New(Config{})

	c := candidate(map[string]any{
		MetaRecipient: "other@z.com",
		MetaSentAt:    baseTime.Format(time.RFC3339),
	})

	ev := &models.EmailEvent{
		To:        []models.EmailAddress{{Address: "b@y.com"}},
		Subject:   "hello",
		Timestamp: baseTime,
	}

	if got := m.FindDuplicate(ev, []ledger.Entry{c}); got != nil {
		t.Errorf("match = %+v, want none", got)
	}

	// No recipient and no native id: nothing to correlate on.
	if got := m.FindDuplicate(&models.EmailEvent{Subject: "x"}, []ledger.Entry{c}); got != nil {
		t.Errorf("match without envelope = %+v, want none", got)
	}
}
