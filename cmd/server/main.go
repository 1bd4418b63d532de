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

// Mailflow — Email Routing Service
//
// Entry point for the mailflow service. It:
//  1. Loads multi-site configuration from config.yaml
//  2. Connects to PostgreSQL (ledger, lead directory) and Redis (seen
//     cache, dispatch queues)
//  3. Builds per-site OAuth2 provider clients
//  4. Starts the sync poller for sites with a provider API configured
//  5. Serves the ingest endpoint for push-style batches
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailflow/internal/config"
	"github.com/bcem/mailflow/internal/dispatch"
	"github.com/bcem/mailflow/internal/junk"
	"github.com/bcem/mailflow/internal/leads"
	"github.com/bcem/mailflow/internal/ledger"
	"github.com/bcem/mailflow/internal/match"
	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/pipeline"
	"github.com/bcem/mailflow/internal/provider"
	"github.com/bcem/mailflow/internal/server"
	"github.com/bcem/mailflow/internal/syncer"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailflow service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"sites", len(cfg.Sites),
		"sync_interval", cfg.SyncInterval,
		"sync_lookback", cfg.SyncLookback,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	// --- Ledger + Lead Directory (Postgres) ---
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

	// --- Dispatch Queues (Redis) ---
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

	// --- Junk Rules ---
	rules := junk.DefaultRules()
	if cfg.JunkRulesPath != "" {
		rules, err = junk.LoadRules(cfg.JunkRulesPath)
		if err != nil {
			slog.Error("failed to load junk rules", "path", cfg.JunkRulesPath, "error", err)
			os.Exit(1)
		}
		slog.Info("junk rules loaded", "path", cfg.JunkRulesPath, "rules", len(rules.Rules))
	}

	// --- Filter Pipeline ---
	orch := pipeline.New(pipeline.Config{
		Junk: junk.NewFilter(rules),
		Matcher: match.New(match.Config{
			TightWindow: cfg.MatcherTightWindow,
			WideWindow:  cfg.MatcherWideWindow,
		}),
		Ledger: ledgerStore,
		Leads:  leadStore,
	})

	// --- Per-site provider clients + poller sites ---
	var pollSites []syncer.Site
	runtimeSites := buildSites(ctx, cfg, &pollSites)

	// --- Sync Poller ---
	var poller *syncer.Poller
	if len(pollSites) > 0 {
		poller = syncer.NewPoller(syncer.PollerConfig{
			Sites:        pollSites,
			Orchestrator: orch,
			Dispatcher:   publisher,
			Seen:         seen,
			Interval:     cfg.SyncInterval,
			Lookback:     cfg.SyncLookback,
		})
		poller.Start(ctx)
		slog.Info("sync poller started", "sites", len(pollSites))
	} else {
		slog.Info("no sites have a provider API configured, running push-only")
	}

	// --- Ingest Server ---
	handler := server.NewHandler(orch, publisher, runtimeSites, pgPool, publisher)
	ready, err := server.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start ingest server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("ingest server ready")

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop the server and background goroutines

	if poller != nil {
		poller.Stop()
	}

	rdb.Close()
	pgPool.Close()

	slog.Info("mailflow service stopped")
}

// buildSites converts config site blocks into runtime configs and, where a
// provider API is configured, poller entries with an OAuth2 client.
func buildSites(ctx context.Context, cfg *config.Config, pollSites *[]syncer.Site) map[string]*models.SiteConfig {
	runtime := make(map[string]*models.SiteConfig, len(cfg.Sites))

	for _, s := range cfg.Sites {
		site := s.Model()
		runtime[s.SiteID] = site

		if s.APIBaseURL == "" {
			continue
		}

		httpClient := &http.Client{Timeout: 30 * time.Second}
		if s.ClientID != "" && s.TokenURL != "" {
			creds := &clientcredentials.Config{
				ClientID:     s.ClientID,
				ClientSecret: s.ClientSecret,
				TokenURL:     s.TokenURL,
			}
			httpClient = creds.Client(ctx)
		}

		mailboxes := s.Mailboxes
		if len(mailboxes) == 0 {
			mailboxes = s.OwnAddresses
		}
		if len(mailboxes) == 0 {
			slog.Warn("site has a provider API but no mailboxes to sync", "site", s.SiteID)
			continue
		}

		*pollSites = append(*pollSites, syncer.Site{
			Config:    site,
			Fetcher:   provider.NewFetcher(httpClient, s.APIBaseURL, s.Provider),
			Mailboxes: mailboxes,
		})
	}

	return runtime
}
