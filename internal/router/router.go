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

// Package router partitions a filtered, deduplicated batch into mutually
// exclusive destination buckets: automated-lead replies, alias mailboxes,
// and human-agent review. Classification happens first, then exclusivity
// is enforced by identifier-based set subtraction, so a future change to
// the classifier cannot silently double-route an event.
package router

import (
	"fmt"
	"strings"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/models"
)

// Routed holds the three disjoint destination buckets for one batch.
type Routed struct {
	Leads []*models.EmailEvent
	Alias []*models.EmailEvent
	Agent []*models.EmailEvent
}

// Route assigns each event to exactly one bucket. Priority: a sender on
// the lead list wins regardless of recipient; otherwise an alias-addressed
// event goes to the alias bucket; everything else goes to agent review.
//
// leadSenders is keyed by normalized bare address; aliases are the site's
// configured alias addresses in any form.
func Route(events []*models.EmailEvent, leadSenders map[string]bool, aliases []string) Routed {
	var out Routed

	// Classify.
	for _, ev := range events {
		sender := identity.BareAddress(ev.From.Address)
		switch {
		case sender != "" && leadSenders[sender]:
			out.Leads = append(out.Leads, ev)
		case RecipientMatchesAlias(ev, aliases):
			out.Alias = append(out.Alias, ev)
		default:
			out.Agent = append(out.Agent, ev)
		}
	}

	// Subtract. The classifier above assigns each event once today, but
	// exclusivity must not depend on that staying true.
	taken := make(map[string]bool, len(events))
	out.Leads = dedupeBucket(out.Leads, taken)
	out.Alias = dedupeBucket(out.Alias, taken)
	out.Agent = dedupeBucket(out.Agent, taken)

	return out
}

// dedupeBucket drops events whose identifier is already claimed by a
// higher-priority bucket and claims the rest.
func dedupeBucket(bucket []*models.EmailEvent, taken map[string]bool) []*models.EmailEvent {
	kept := bucket[:0]
	for _, ev := range bucket {
		key := eventKey(ev)
		if taken[key] {
			continue
		}
		taken[key] = true
		kept = append(kept, ev)
	}
	return kept
}

// eventKey identifies an event for set subtraction: the fingerprint when
// one can be derived, otherwise the pointer identity so unidentifiable
// events still occupy exactly one bucket.
func eventKey(ev *models.EmailEvent) string {
	if fp := identity.Fingerprint(ev); fp != "" {
		return fp
	}
	return fmt.Sprintf("ptr:%p", ev)
}

// RecipientMatchesAlias reports whether any recipient of the event matches
// one of the configured aliases. Handles exact addresses, bracketed
// display-name forms, and comma-separated recipient lists.
func RecipientMatchesAlias(ev *models.EmailEvent, aliases []string) bool {
	if len(aliases) == 0 {
		return false
	}

	normalized := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if n := identity.BareAddress(a); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return false
	}

	for _, to := range ev.To {
		for _, part := range strings.Split(to.Address, ",") {
			addr := identity.BareAddress(part)
			if addr == "" {
				continue
			}
			for _, alias := range normalized {
				if addr == alias {
					return true
				}
			}
		}
	}
	return false
}
