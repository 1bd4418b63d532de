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

package identity

import (
	"regexp"
	"strings"

	"github.com/bcem/mailflow/internal/models"
)

// genericTokens are identifier values seen from providers that carry no
// identity at all and must never become fingerprints.
var genericTokens = map[string]struct{}{
	"test":      {},
	"temp":      {},
	"none":      {},
	"null":      {},
	"undefined": {},
	"unknown":   {},
	"default":   {},
	"email":     {},
	"message":   {},
}

// shortNumeric matches bare 1-6 digit sequences. Transport sequence numbers
// look like this and are reused across mailboxes, so they are unsafe as
// global identifiers.
var shortNumeric = regexp.MustCompile(`^[0-9]{1,6}$`)

// NativeID returns the most trustworthy native identifier for an event, or
// "" when no candidate passes the validity rules. Candidates are tried in
// fixed priority order: protocol message id, provider-assigned id, generic
// message id, transport uid, then legacy header fields.
func NativeID(ev *models.EmailEvent) string {
	candidates := []string{
		ev.InternetMessageID,
		ev.ProviderID,
		ev.MessageID,
		ev.UID,
		ev.Header("Message-Id"),
		ev.Header("X-Message-Id"),
	}

	for _, c := range candidates {
		if id := acceptID(c); id != "" {
			return id
		}
	}
	return ""
}

// acceptID validates a single identifier candidate. Returns the trimmed
// identifier when acceptable, "" otherwise.
func acceptID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) < 5 {
		return ""
	}
	if _, generic := genericTokens[strings.ToLower(id)]; generic {
		return ""
	}
	if shortNumeric.MatchString(id) {
		return ""
	}
	if !identifierLike(id) {
		return ""
	}
	return id
}

// identifierLike requires some structural evidence that the value is a
// real identifier rather than a word: separators typical of message ids,
// or enough length to be collision-resistant.
func identifierLike(id string) bool {
	return len(id) > 10 || strings.ContainsAny(id, "@-.")
}
