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

// Mailflow — Historical Backfill Command
//
// Standalone CLI tool that ingests historical emails from a site's provider
// mailboxes within a configurable date range. Intended for seeding the
// ledger and routing queues on new deployments.
//
// Usage:
//
//	go run ./cmd/backfill/ --site <site-id> [--mailboxes a@x.com,b@x.com] [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailflow/internal/backfill"
	"github.com/bcem/mailflow/internal/config"
	"github.com/bcem/mailflow/internal/dispatch"
	"github.com/bcem/mailflow/internal/junk"
	"github.com/bcem/mailflow/internal/leads"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/match"
	"github.com/bcem/mailflow/internal/pipeline"
	"github.com/bcem/mailflow/internal/provider"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	siteFlag := flag.String("site", "", "Site id to backfill (required)")
	mailboxesFlag := flag.String("mailboxes", "", "Comma-separated list of mailboxes (optional; empty = site's configured mailboxes)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	if *siteFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --site is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	slog.Info("starting historical backfill",
		"site", *siteFlag,
		"since", sinceDuration,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Find the requested site
	var site *config.SiteConfig
	for i := range cfg.Sites {
		if cfg.Sites[i].SiteID == *siteFlag {
			site = &cfg.Sites[i]
			break
		}
	}
	if site == nil {
		slog.Error("site not found in configuration", "site", *siteFlag)
		os.Exit(1)
	}
	if site.APIBaseURL == "" {
		slog.Error("site has no provider API configured", "site", *siteFlag)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	ledgerStore, err := ledger.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise processing ledger", "error", err)
		os.Exit(1)
	}

	leadStore, err := leads.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise lead directory", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := dispatch.NewPublisher(rdb, dispatch.Queues{
		Leads: cfg.Queues.Leads,
		Alias: cfg.Queues.Alias,
		Agent: cfg.Queues.Agent,
	}, ledgerStore)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Seen Cache ---
	seen := ledger.NewSeenCache(rdb)

	// --- Filter Pipeline ---
	rules := junk.DefaultRules()
	if cfg.JunkRulesPath != "" {
		rules, err = junk.LoadRules(cfg.JunkRulesPath)
		if err != nil {
			slog.Error("failed to load junk rules", "path", cfg.JunkRulesPath, "error", err)
			os.Exit(1)
		}
	}

	orch := pipeline.New(pipeline.Config{
		Junk: junk.NewFilter(rules),
		Matcher: match.New(match.Config{
			TightWindow: cfg.MatcherTightWindow,
			WideWindow:  cfg.MatcherWideWindow,
		}),
		Ledger: ledgerStore,
		Leads:  leadStore,
	})

	// --- Build provider client for the site ---
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if site.ClientID != "" && site.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     site.ClientID,
			ClientSecret: site.ClientSecret,
			TokenURL:     site.TokenURL,
		}
		httpClient = creds.Client(ctx)
	}

	fetcher := provider.NewFetcher(httpClient, site.APIBaseURL, site.Provider)

	// --- Resolve mailboxes ---
	var mailboxes []string
	if *mailboxesFlag != "" {
		for _, m := range strings.Split(*mailboxesFlag, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				mailboxes = append(mailboxes, m)
			}
		}
	} else {
		mailboxes = site.Mailboxes
		if len(mailboxes) == 0 {
			mailboxes = site.OwnAddresses
		}
	}

	if len(mailboxes) == 0 {
		slog.Error("no mailboxes to backfill")
		os.Exit(1)
	}

	slog.Info("resolved mailboxes for backfill", "count", len(mailboxes), "mailboxes", mailboxes)

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Fetcher:      fetcher,
		Orchestrator: orch,
		Dispatcher:   publisher,
		Seen:         seen,
	})

	result, err := runner.Run(ctx, backfill.Request{
		Site:      site.Model(),
		Mailboxes: mailboxes,
		Since:     sinceDuration,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"site", result.SiteID,
		"total_routed", result.TotalRouted,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)

	for _, mr := range result.Mailboxes {
		slog.Info("mailbox result",
			"mailbox", mr.Mailbox,
			"listed", mr.Listed,
			"routed", mr.Routed,
			"skipped", mr.Skipped,
			"errors", mr.Errors,
		)
	}
}
