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

// Package match provides the secondary, content/temporal duplicate matcher
// used when a ledger lookup alone cannot correlate a received email —
// forwarded copies and retried deliveries arrive with different transport
// identifiers. Tiers are evaluated in descending confidence and
// short-circuit on the first hit.
package match

import (
	"strings"
	"time"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/models"
)

// Metadata keys the matcher reads from candidate ledger entries. The
// pipeline writes these on every upsert.
const (
	MetaNativeID  = "native_id"
	MetaSubject   = "subject"
	MetaRecipient = "recipient"
	MetaSentAt    = "sent_at"
)

// Confidence grades a match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Match describes a detected duplicate.
type Match struct {
	Entry      *ledger.Entry
	Tier       int
	Confidence Confidence
}

// Config carries the tunable window widths. The wide window was once an
// hour; that recalled more retried deliveries but also merged unrelated
// mail to busy recipients, so it now defaults to ten minutes.
type Config struct {
	TightWindow time.Duration
	WideWindow  time.Duration
}

// Matcher evaluates the tiers against a candidate pool.
type Matcher struct {
	tight time.Duration
	wide  time.Duration
}

// New creates a matcher, filling in default windows for zero values.
func New(cfg Config) *Matcher {
	if cfg.TightWindow == 0 {
		cfg.TightWindow = 2 * time.Minute
	}
	if cfg.WideWindow == 0 {
		cfg.WideWindow = 10 * time.Minute
	}
	return &Matcher{tight: cfg.TightWindow, wide: cfg.WideWindow}
}

// FindDuplicate returns the best duplicate for the event among the
// candidates, or nil when no tier matches. No match is not an error;
// the caller treats the event as new and errs toward reprocessing.
func (m *Matcher) FindDuplicate(ev *models.EmailEvent, candidates []ledger.Entry) *Match {
	nativeID := identity.NativeID(ev)
	subject := normalizeSubject(ev.Subject)
	recipient := identity.BareAddress(ev.FirstRecipient())

	// Tier 1: exact native-identifier match against stored metadata.
	if nativeID != "" {
		for i := range candidates {
			if metaString(&candidates[i], MetaNativeID) == nativeID {
				return &Match{Entry: &candidates[i], Tier: 1, Confidence: ConfidenceHigh}
			}
		}
	}

	if recipient == "" || ev.Timestamp.IsZero() {
		return nil
	}

	// Tier 2: same subject + recipient within the tight window.
	if subject != "" {
		for i := range candidates {
			c := &candidates[i]
			if normalizeSubject(metaString(c, MetaSubject)) != subject {
				continue
			}
			if identity.BareAddress(metaString(c, MetaRecipient)) != recipient {
				continue
			}
			if within(ev.Timestamp, candidateTime(c), m.tight) {
				return &Match{Entry: c, Tier: 2, Confidence: ConfidenceHigh}
			}
		}
	}

	// Tier 3: same recipient within the wide window.
	for i := range candidates {
		c := &candidates[i]
		if identity.BareAddress(metaString(c, MetaRecipient)) != recipient {
			continue
		}
		if within(ev.Timestamp, candidateTime(c), m.wide) {
			return &Match{Entry: c, Tier: 3, Confidence: ConfidenceMedium}
		}
	}

	return nil
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func metaString(e *ledger.Entry, key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// candidateTime returns the candidate's send timestamp from metadata,
// falling back to when the ledger first saw it.
func candidateTime(e *ledger.Entry) time.Time {
	if raw := metaString(e, MetaSentAt); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return e.FirstSeenAt
}

func within(a, b time.Time, window time.Duration) bool {
	if b.IsZero() {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
