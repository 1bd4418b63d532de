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

// Package models defines the data structures shared across the mailflow service.
package models

import (
	"strings"
	"time"
)

// Object types recorded in the processing ledger. A received email and a
// sent copy of the same logical email are tracked as separate rows.
const (
	ObjectTypeEmail     = "email"
	ObjectTypeSentEmail = "sent_email"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailEvent represents one email sighting entering the pipeline. The same
// logical email may arrive as several events from different origins (send
// path, sync poll, push ingest); correlation happens via fingerprinting,
// not via any single field here.
//
// Identifier candidates are deliberately plural: no origin reliably
// supplies a stable, collision-resistant identifier. The identity package
// decides which candidate, if any, is trustworthy.
type EmailEvent struct {
	// Identifier candidates, in descending order of trust.
	InternetMessageID string `json:"internet_message_id,omitempty"`
	ProviderID        string `json:"provider_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	UID               string `json:"uid,omitempty"`

	From    EmailAddress   `json:"from"`
	ReplyTo EmailAddress   `json:"reply_to,omitempty"`
	To      []EmailAddress `json:"to"`

	Subject   string    `json:"subject"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Provider string            `json:"provider,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// FirstRecipient returns the address of the first To entry, or "".
func (e *EmailEvent) FirstRecipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0].Address
}

// Header returns a header value by case-insensitive name, or "".
func (e *EmailEvent) Header(name string) string {
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// SiteConfig is the per-site routing configuration passed into the
// pipeline. It is built once per batch and treated as read-only.
type SiteConfig struct {
	SiteID string

	// OwnAddresses are the site's sending identities; mail from these
	// addresses is a self-sent loop and is filtered out.
	OwnAddresses []string

	// Aliases are secondary mailbox addresses handled by the direct
	// response path rather than full agent review.
	Aliases []string

	// NoReplyAddresses and NoReplyDomain are site-specific automated
	// senders to reject on top of the built-in junk rules.
	NoReplyAddresses []string
	NoReplyDomain    string

	Provider string
}
