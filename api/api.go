// Copyright 2025 Trustfabric Labs
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

// Package api is the admin and issuance REST API server
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/didpub"
	"github.com/trustfabric/sigil/issuance"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
)

type ApiConfig struct {
	Logger        *slog.Logger
	ListenAddress string
	Database      *database.Database
	Registry      *registry.Registry
	Definitions   *definition.Store
	Ledger        *ledger.Ledger
	Orchestrator  *issuance.Orchestrator
	Publisher     *didpub.LocalPublisher
}

// Api is the REST API server. It fronts the registry, definition store,
// orchestrator, and publisher; all state lives in those components.
type Api struct {
	config     ApiConfig
	logger     *slog.Logger
	httpServer *http.Server
	mu         sync.Mutex
}

func New(config ApiConfig) *Api {
	a := &Api{
		config: config,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		a.logger = config.Logger.With("component", "api")
	}
	if a.config.ListenAddress == "" {
		a.config.ListenAddress = ":8080"
	}
	return a
}

func (a *Api) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", a.handleHealth)
	r.Get("/did.json", a.handleIssuerDocument)
	r.Route("/issuance-requests", func(r chi.Router) {
		r.Post("/", a.handleSubmitRequest)
		r.Get("/{requestId}", a.handleGetRequest)
		r.Get("/{requestId}/transitions", a.handleGetRequestTransitions)
		r.Post("/{requestId}/approve", a.handleApproveRequest)
		r.Post("/{requestId}/cancel", a.handleCancelRequest)
	})
	r.Route("/participants", func(r chi.Router) {
		r.Post("/", a.handleRegisterParticipant)
		r.Get("/{did}", a.handleGetParticipant)
		r.Get("/{did}/credentials", a.handleParticipantCredentials)
		r.Post("/{did}/trust-status", a.handleUpdateTrustStatus)
	})
	r.Route("/credential-definitions", func(r chi.Router) {
		r.Post("/", a.handleSaveDefinition)
		r.Get("/", a.handleListDefinitions)
		r.Get("/{definitionId}", a.handleGetDefinition)
		r.Post("/{definitionId}/status", a.handleSetDefinitionStatus)
	})
	r.Route("/credentials", func(r chi.Router) {
		r.Get("/{credentialId}", a.handleGetCredential)
		r.Get("/{credentialId}/artifact", a.handleGetArtifact)
		r.Get("/{credentialId}/status", a.handleGetCredentialStatus)
	})
	return r
}

// Start binds the listening socket and serves in a background goroutine.
// Binding up front makes port conflicts a startup error rather than a
// log line.
func (a *Api) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.httpServer != nil {
		a.mu.Unlock()
		return errors.New("server already started")
	}
	server := &http.Server{
		Addr:              a.config.ListenAddress,
		Handler:           a.router(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	a.httpServer = server
	a.mu.Unlock()

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		a.mu.Lock()
		a.httpServer = nil
		a.mu.Unlock()
		return fmt.Errorf("failed to listen for API server: %w", err)
	}
	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(
				"API server error",
				"error", err,
			)
		}
	}()
	a.logger.Info(
		"API listener started on " + a.config.ListenAddress,
	)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			30*time.Second,
		)
		defer cancel()
		//nolint:contextcheck
		if err := a.Stop(shutdownCtx); err != nil {
			a.logger.Error(
				"failed to shutdown API server on context cancellation",
				"error", err,
			)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (a *Api) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf(
				"failed to shutdown API server: %w",
				err,
			)
		}
	}
	return nil
}
