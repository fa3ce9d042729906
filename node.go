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

package sigil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trustfabric/sigil/api"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/didpub"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/issuance"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
	"github.com/trustfabric/sigil/revocation"
	"github.com/trustfabric/sigil/signer"
)

type Node struct {
	config       Config
	eventBus     *event.EventBus
	db           *database.Database
	registry     *registry.Registry
	definitions  *definition.Store
	ledger       *ledger.Ledger
	signer       *signer.CredentialSigner
	publisher    *didpub.LocalPublisher
	orchestrator *issuance.Orchestrator
	revocation   *revocation.Coordinator
	api          *api.Api
	runCancel    context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config) (*Node, error) {
	eventBus := event.NewEventBus(cfg.promRegistry, cfg.logger)
	n := &Node{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

func (n *Node) Run(ctx context.Context) error {
	runCtx, runCancel := context.WithCancel(ctx)
	n.runCancel = runCancel
	// Load database
	db, err := database.New(&database.Config{
		DataDir:        n.config.dataDir,
		Logger:         n.config.logger,
		PromRegistry:   n.config.promRegistry,
		BlobPlugin:     n.config.blobPlugin,
		MetadataPlugin: n.config.metadataPlugin,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Participant registry
	n.registry = registry.NewRegistry(registry.RegistryConfig{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Database:     n.db,
	})
	// Credential definition store
	n.definitions = definition.NewStore(definition.StoreConfig{
		Logger:   n.config.logger,
		Database: n.db,
	})
	// Issuance request ledger
	n.ledger = ledger.NewLedger(ledger.LedgerConfig{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Database:     n.db,
	})
	// Credential signer
	credentialSigner, err := signer.NewCredentialSigner(
		signer.CredentialSignerConfig{
			Logger:    n.config.logger,
			DataDir:   n.config.dataDir,
			IssuerDid: n.config.issuerDid,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to load credential signer: %w", err)
	}
	n.signer = credentialSigner
	// Status and DID document publisher
	n.publisher = didpub.NewLocalPublisher(didpub.LocalPublisherConfig{
		Logger:    n.config.logger,
		Database:  n.db,
		IssuerDid: n.config.issuerDid,
	})
	if n.config.publishIssuerDoc {
		doc, err := didpub.BuildIssuerDocument(
			n.config.issuerDid,
			n.signer.PublicKeyJwk(),
		)
		if err != nil {
			return fmt.Errorf("failed to build issuer document: %w", err)
		}
		if err := n.publisher.PublishIssuerDocument(runCtx, doc); err != nil {
			return fmt.Errorf(
				"failed to publish issuer document: %w",
				err,
			)
		}
	}
	// Issuance orchestrator
	n.orchestrator = issuance.NewOrchestrator(issuance.OrchestratorConfig{
		Logger:       n.config.logger,
		EventBus:     n.eventBus,
		PromRegistry: n.config.promRegistry,
		Database:     n.db,
		Ledger:       n.ledger,
		Registry:     n.registry,
		Definitions:  n.definitions,
		Signer:       n.signer,
		Publisher:    n.publisher,
		Workers:      n.config.workers,
		QueueSize:    n.config.queueSize,
		RetryPolicy:  n.config.retryPolicy,
	})
	if err := n.orchestrator.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	// Revocation coordinator
	n.revocation = revocation.NewCoordinator(revocation.CoordinatorConfig{
		Logger:           n.config.logger,
		EventBus:         n.eventBus,
		PromRegistry:     n.config.promRegistry,
		Ledger:           n.ledger,
		Publisher:        n.publisher,
		SweepConcurrency: n.config.sweepConcurrency,
		RetryPolicy:      n.config.retryPolicy,
	})
	n.revocation.Start(runCtx)
	// REST API
	n.api = api.New(api.ApiConfig{
		Logger:        n.config.logger,
		ListenAddress: n.config.apiListenAddress,
		Database:      n.db,
		Registry:      n.registry,
		Definitions:   n.definitions,
		Ledger:        n.ledger,
		Orchestrator:  n.orchestrator,
		Publisher:     n.publisher,
	})
	if err := n.api.Start(runCtx); err != nil {
		return err
	}

	// Wait for shutdown signal
	<-n.done
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	n.config.logger.Debug("shutdown phase 1: stopping new work")

	if n.api != nil {
		if stopErr := n.api.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("api shutdown: %w", stopErr))
		}
	}

	// Phase 2: Drain in-flight issuance and revocation work
	n.config.logger.Debug("shutdown phase 2: draining workers")

	if n.orchestrator != nil {
		n.orchestrator.Stop()
	}

	if n.revocation != nil {
		n.revocation.Stop()
	}

	if n.runCancel != nil {
		n.runCancel()
	}

	// Phase 3: Stop event delivery and close the database
	n.config.logger.Debug("shutdown phase 3: flushing state")

	if n.eventBus != nil {
		n.eventBus.Stop()
	}

	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}
