// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider retrieves email event envelopes from a mail provider's
// REST API. The transport itself (fetching raw MIME, sending) is an
// external collaborator; this fetcher only lists the envelope data the
// pipeline needs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bcem/mailflow/internal/models"
)

// Fetcher lists message envelopes from the provider API using an
// authenticated HTTP client (OAuth2 client-credentials, built in main).
type Fetcher struct {
	httpClient *http.Client
	baseURL    string
	provider   string
}

// NewFetcher creates a provider fetcher.
func NewFetcher(httpClient *http.Client, baseURL, provider string) *Fetcher {
	return &Fetcher{
		httpClient: httpClient,
		baseURL:    baseURL,
		provider:   provider,
	}
}

// ListSince retrieves all message envelopes received since the given time,
// following pagination. Returns events ready for the pipeline.
func (f *Fetcher) ListSince(ctx context.Context, mailbox string, since time.Time) ([]*models.EmailEvent, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339))
	params.Set("limit", "100")

	listURL := fmt.Sprintf("%s/mailboxes/%s/messages?%s", f.baseURL, url.PathEscape(mailbox), params.Encode())

	var events []*models.EmailEvent
	pageCount := 0
	for nextURL := listURL; nextURL != ""; {
		page, err := f.fetchPage(ctx, nextURL)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pageCount, err)
		}
		pageCount++

		for i := range page.Messages {
			events = append(events, parseProviderMessage(&page.Messages[i], f.provider))
		}

		nextURL = page.NextLink
	}

	slog.Debug("provider list complete",
		"mailbox", mailbox,
		"pages", pageCount,
		"events", len(events),
	)

	return events, nil
}

// fetchPage retrieves a single page of the messages listing.
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) (*messagesPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("provider list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("provider API returned HTTP %d", resp.StatusCode)
	}

	var page messagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	return &page, nil
}
