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

// Package identity derives stable fingerprints for email events. The send
// path and the sync path see the same logical email at different times and
// with different identifier fields; both call into this package so that the
// two derivations are byte-identical. Every function here is pure.
package identity

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/bcem/mailflow/internal/models"
)

const (
	// subjectPrefixLen bounds how much of the subject feeds the hash.
	subjectPrefixLen = 50

	// bucketWindow is the time-bucket width. Two sightings of the same
	// email within one window collapse to the same fingerprint.
	bucketWindow = time.Minute

	// bucketFormat renders a bucket as a compact UTC string (YYYYMMDDhhmm).
	bucketFormat = "200601021504"
)

var addrPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// BareAddress extracts the lowercase bare address from a raw address field.
// Handles "Display Name <user@host>" forms, otherwise falls back to an
// address-pattern match. Returns "" when no address can be found.
func BareAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if i := strings.LastIndex(raw, "<"); i >= 0 {
		if j := strings.Index(raw[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(raw[i+1 : i+j]))
		}
	}

	if m := addrPattern.FindString(raw); m != "" {
		return strings.ToLower(m)
	}

	return ""
}

// TimeBucket rounds a timestamp down to the bucket window and renders it
// as a compact UTC string.
func TimeBucket(ts time.Time) string {
	return ts.UTC().Truncate(bucketWindow).Format(bucketFormat)
}

// hash32 is a stable 32-bit FNV-1 (multiply-then-xor) accumulator. The
// output is part of the fingerprint wire format and must never change.
func hash32(s string) uint32 {
	h := fnv.New32()
	h.Write([]byte(s))
	return h.Sum32()
}

// EnvelopeFingerprint computes the deterministic fallback fingerprint from
// envelope data alone: normalized recipient, normalized sender, subject
// prefix, and the time bucket. Returns "" when a required field is missing
// or unparseable.
//
// Format: env-<hex8>-<bucket>. This string is a de facto on-disk contract;
// any change to normalization here breaks correlation with rows already in
// the ledger.
func EnvelopeFingerprint(to, from, subject string, ts time.Time) string {
	toAddr := BareAddress(to)
	fromAddr := BareAddress(from)
	if toAddr == "" || fromAddr == "" || ts.IsZero() {
		return ""
	}

	subj := strings.ToLower(strings.TrimSpace(subject))
	if len(subj) > subjectPrefixLen {
		subj = subj[:subjectPrefixLen]
	}

	bucket := TimeBucket(ts)
	key := strings.Join([]string{toAddr, fromAddr, subj, bucket}, "|")

	return fmt.Sprintf("env-%08x-%s", hash32(key), bucket)
}

// NativeFingerprint wraps a trustworthy native identifier into the
// fingerprint namespace: recv-<hex8>-<suffix>. The suffix keeps the tail
// of the original identifier readable in logs and ledger rows.
func NativeFingerprint(id string) string {
	return fmt.Sprintf("recv-%08x-%s", hash32(id), idSuffix(id))
}

// Fingerprint derives the fingerprint for an event: the native identifier
// when one is trustworthy, the envelope fallback otherwise. Returns ""
// when neither can be computed.
func Fingerprint(ev *models.EmailEvent) string {
	if id := NativeID(ev); id != "" {
		return NativeFingerprint(id)
	}
	return EnvelopeFingerprint(ev.FirstRecipient(), ev.From.Address, ev.Subject, ev.Timestamp)
}

// idSuffix returns the last 6 alphanumeric characters of an identifier,
// lowercased.
func idSuffix(id string) string {
	var keep []byte
	for _, c := range []byte(strings.ToLower(id)) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			keep = append(keep, c)
		}
	}
	if len(keep) > 6 {
		keep = keep[len(keep)-6:]
	}
	return string(keep)
}
