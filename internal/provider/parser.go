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

package provider

import (
	"time"

	"github.com/bcem/mailflow/internal/models"
)

// messagesPage represents one page of the provider messages listing.
type messagesPage struct {
	Messages []providerMessage `json:"messages"`
	NextLink string            `json:"next,omitempty"`
}

// providerAddress is the provider's address representation.
type providerAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// providerMessage represents the relevant fields of a provider message.
type providerMessage struct {
	ID                string            `json:"id"`
	InternetMessageID string            `json:"internet_message_id"`
	UID               string            `json:"uid"`
	Subject           string            `json:"subject"`
	From              providerAddress   `json:"from"`
	ReplyTo           providerAddress   `json:"reply_to"`
	To                []providerAddress `json:"to"`
	Body              string            `json:"body"`
	ReceivedAt        string            `json:"received_at"`
	Headers           []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
}

// parseProviderMessage converts a provider message into an EmailEvent.
// Timestamps that fail to parse are left zero; the pipeline treats such
// events as unidentifiable rather than erroring.
func parseProviderMessage(msg *providerMessage, provider string) *models.EmailEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Name] = h.Value
	}

	to := make([]models.EmailAddress, 0, len(msg.To))
	for _, r := range msg.To {
		to = append(to, models.EmailAddress{Address: r.Address, Name: r.Name})
	}

	var ts time.Time
	if msg.ReceivedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.ReceivedAt); err == nil {
			ts = parsed
		}
	}

	return &models.EmailEvent{
		InternetMessageID: msg.InternetMessageID,
		ProviderID:        msg.ID,
		UID:               msg.UID,
		From:              models.EmailAddress{Address: msg.From.Address, Name: msg.From.Name},
		ReplyTo:           models.EmailAddress{Address: msg.ReplyTo.Address, Name: msg.ReplyTo.Name},
		To:                to,
		Subject:           msg.Subject,
		Body:              msg.Body,
		Timestamp:         ts,
		Provider:          provider,
		Headers:           headers,
	}
}
