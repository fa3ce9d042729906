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

package revocation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/issuance"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
	"golang.org/x/sync/errgroup"
)

const DefaultSweepConcurrency = 4

type CoordinatorConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Ledger       *ledger.Ledger
	Publisher    issuance.StatusPublisher
	// SweepConcurrency bounds how many credentials a sweep revokes in
	// parallel so sweeps never starve issuance traffic
	SweepConcurrency int
	RetryPolicy      issuance.RetryPolicy
}

// Coordinator reacts to participant trust changes by sweeping that
// participant's issued credentials into the revoked state. Sweeps run in
// the background with bounded concurrency; a publication failure for one
// credential never blocks revocation of its siblings.
type Coordinator struct {
	config    CoordinatorConfig
	logger    *slog.Logger
	eventBus  *event.EventBus
	ledger    *ledger.Ledger
	publisher issuance.StatusPublisher
	subId     event.EventSubscriberId
	sweepWg   sync.WaitGroup
	metrics   struct {
		sweeps          prometheus.Counter
		revoked         prometheus.Counter
		publishFailures prometheus.Counter
	}
}

func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = DefaultSweepConcurrency
	}
	if config.RetryPolicy.MaxAttempts <= 0 {
		config.RetryPolicy = issuance.DefaultRetryPolicy()
	}
	c := &Coordinator{
		config:    config,
		eventBus:  config.EventBus,
		ledger:    config.Ledger,
		publisher: config.Publisher,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	c.metrics.sweeps = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_revocation_sweeps_total",
			Help: "total revocation sweeps triggered by trust changes",
		},
	)
	c.metrics.revoked = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_revocation_revoked_total",
			Help: "total credentials revoked by sweeps",
		},
	)
	c.metrics.publishFailures = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_revocation_publish_failures_total",
			Help: "total revocation status publications that exhausted retries",
		},
	)
	return c
}

// Start subscribes to trust-change events. Each qualifying event spawns a
// background sweep so event delivery (and with it, request intake) is
// never blocked on revocation work.
func (c *Coordinator) Start(ctx context.Context) {
	c.subId = c.eventBus.SubscribeFunc(
		registry.TrustStatusEventType,
		func(evt event.Event) {
			data, ok := evt.Data.(registry.TrustStatusEvent)
			if !ok {
				return
			}
			if data.NewStatus != models.TrustStatusSuspended &&
				data.NewStatus != models.TrustStatusRevoked {
				return
			}
			c.sweepWg.Add(1)
			go func() {
				defer c.sweepWg.Done()
				c.Sweep(ctx, data.Did)
			}()
		},
	)
}

// Stop unsubscribes from trust-change events and waits for in-flight
// sweeps to finish
func (c *Coordinator) Stop() {
	c.eventBus.Unsubscribe(registry.TrustStatusEventType, c.subId)
	c.sweepWg.Wait()
}

// Sweep revokes every issued credential for a participant. Revocation in
// the ledger is a compare-and-set, so redelivered events and overlapping
// sweeps for the same participant deduplicate naturally. The sweep is
// best effort per credential: publication failures are counted and
// logged, never allowed to block sibling revocations.
func (c *Coordinator) Sweep(ctx context.Context, did string) {
	c.metrics.sweeps.Inc()
	credentials, err := c.ledger.CredentialsForParticipant(
		ctx,
		did,
		models.CredentialStatusValid,
	)
	if err != nil {
		c.logger.Error(
			"failed to enumerate credentials for revocation sweep",
			"component", "revocation",
			"did", did,
			"error", err,
		)
		return
	}
	if len(credentials) == 0 {
		return
	}
	c.logger.Info(
		"starting revocation sweep",
		"component", "revocation",
		"did", did,
		"credentials", len(credentials),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.SweepConcurrency)
	for i := range credentials {
		credential := credentials[i]
		g.Go(func() error {
			// Errors are handled per credential; always return nil so one
			// failure cannot cancel the sibling revocations
			c.revokeOne(gctx, credential.CredentialId)
			return nil
		})
	}
	// Only nil errors are returned above
	_ = g.Wait()
}

func (c *Coordinator) revokeOne(ctx context.Context, credentialId string) {
	changed, err := c.ledger.RevokeCredential(ctx, credentialId)
	if err != nil {
		c.logger.Error(
			"failed to revoke credential",
			"component", "revocation",
			"credential_id", credentialId,
			"error", err,
		)
		return
	}
	if changed {
		c.metrics.revoked.Inc()
	}
	// Publish even when the ledger update was a no-op: an earlier sweep
	// may have revoked the record but crashed before publication
	if err := c.publishWithRetry(ctx, credentialId); err != nil {
		c.metrics.publishFailures.Inc()
		c.logger.Error(
			"failed to publish credential revocation",
			"component", "revocation",
			"credential_id", credentialId,
			"error", err,
		)
	}
}

func (c *Coordinator) publishWithRetry(
	ctx context.Context,
	credentialId string,
) error {
	policy := c.config.RetryPolicy
	backoff := policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		lastErr = c.publisher.PublishStatus(
			attemptCtx,
			credentialId,
			models.CredentialStatusRevoked,
		)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return lastErr
}
