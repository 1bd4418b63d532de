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

package junk

import (
	"strings"

	"github.com/bcem/mailflow/internal/identity"
	"github.com/bcem/mailflow/internal/models"
)

// shortBodyThreshold bounds when short-body diagnostic rules apply.
// Bodies at or above this length are assumed to be real correspondence
// even if they quote bounce phrasing.
const shortBodyThreshold = 600

// Verdict is the outcome of classifying one event. Rule carries the
// pattern that matched, for observability.
type Verdict struct {
	Rejected bool
	Reason   Reason
	Rule     string
}

func accepted() Verdict {
	return Verdict{}
}

func rejected(reason Reason, rule string) Verdict {
	return Verdict{Rejected: true, Reason: reason, Rule: rule}
}

// Filter classifies events against a rule set. Pure; safe for concurrent use.
type Filter struct {
	rules *RuleSet
}

// NewFilter creates a filter. A nil rule set falls back to the defaults.
func NewFilter(rules *RuleSet) *Filter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Filter{rules: rules}
}

// Classify decides whether an event is legitimate correspondence or
// machine-generated traffic. Any single matching signal rejects. The
// site's explicit no-reply list and domain are checked in addition to
// the rule set.
func (f *Filter) Classify(ev *models.EmailEvent, site *models.SiteConfig) Verdict {
	sender := identity.BareAddress(ev.From.Address)
	subject := strings.ToLower(ev.Subject)
	body := strings.ToLower(ev.Body)

	for _, r := range f.rules.Rules {
		switch r.Kind {
		case KindSender:
			if sender != "" && strings.Contains(sender, r.Pattern) {
				return rejected(r.Tag, r.Pattern)
			}
		case KindSubject:
			if subject != "" && strings.Contains(subject, r.Pattern) {
				return rejected(r.Tag, r.Pattern)
			}
		case KindHeader:
			v := ev.Header(r.Header)
			if v == "" {
				continue
			}
			if r.Pattern == "" || strings.Contains(strings.ToLower(v), r.Pattern) {
				return rejected(r.Tag, r.Header+": "+r.Pattern)
			}
		case KindShortBody:
			if len(body) > 0 && len(body) < shortBodyThreshold && strings.Contains(body, r.Pattern) {
				return rejected(r.Tag, r.Pattern)
			}
		}
	}

	if site != nil {
		if v := f.classifySiteNoReply(ev, site, sender); v.Rejected {
			return v
		}
	}

	return accepted()
}

// classifySiteNoReply checks the sender and reply-to against the site's
// explicit no-reply addresses and domain.
func (f *Filter) classifySiteNoReply(ev *models.EmailEvent, site *models.SiteConfig, sender string) Verdict {
	replyTo := identity.BareAddress(ev.ReplyTo.Address)

	for _, a := range site.NoReplyAddresses {
		norm := identity.BareAddress(a)
		if norm == "" {
			continue
		}
		if sender == norm || (replyTo != "" && replyTo == norm) {
			return rejected(ReasonNoReply, "site:"+norm)
		}
	}

	if d := strings.ToLower(strings.TrimSpace(site.NoReplyDomain)); d != "" {
		if strings.HasSuffix(sender, "@"+d) || (replyTo != "" && strings.HasSuffix(replyTo, "@"+d)) {
			return rejected(ReasonNoReply, "site-domain:"+d)
		}
	}

	return accepted()
}
