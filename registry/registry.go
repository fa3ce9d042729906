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

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/event"
)

const (
	TrustStatusEventType event.EventType = "registry.trust_status"
)

// TrustStatusEvent is published when a participant's trust status changes
type TrustStatusEvent struct {
	Did       string
	OldStatus models.TrustStatus
	NewStatus models.TrustStatus
}

var (
	ErrInvalidTransition = errors.New("invalid trust status transition")
	ErrInvalidStatus     = errors.New("unknown trust status")
)

// casRetryLimit bounds retries when a concurrent update moves the stored
// status between our read and compare-and-set
const casRetryLimit = 5

type RegistryConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Database     *database.Database
}

// Registry owns participant identity records and their trust status. It is
// the eligibility source the orchestrator gates issuance on, so reads
// always hit the store directly (no caching).
type Registry struct {
	config   RegistryConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	db       *database.Database
	metrics  struct {
		trustChanges *prometheus.CounterVec
	}
}

func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		config:   config,
		eventBus: config.EventBus,
		db:       config.Database,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		r.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	r.metrics.trustChanges = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigil_registry_trust_changes_total",
			Help: "total trust status changes applied, by new status",
		},
		[]string{"status"},
	)
	return r
}

// Lookup returns the participant record for a DID
func (r *Registry) Lookup(
	ctx context.Context,
	did string,
) (*models.Participant, error) {
	return r.db.Metadata().GetParticipant(did, nil)
}

// Register onboards a participant. The DID is immutable once assigned; a
// repeated Register for a known DID updates metadata only, never the DID.
func (r *Registry) Register(
	ctx context.Context,
	participant *models.Participant,
) error {
	if participant.Did == "" {
		return errors.New("participant DID is required")
	}
	if participant.TrustStatus == "" {
		participant.TrustStatus = string(models.TrustStatusActive)
	}
	if !models.TrustStatus(participant.TrustStatus).Valid() {
		return ErrInvalidStatus
	}
	if err := r.db.Metadata().SetParticipant(participant, nil); err != nil {
		return err
	}
	r.logger.Info(
		"registered participant",
		"component", "registry",
		"did", participant.Did,
		"trust_status", participant.TrustStatus,
	)
	return nil
}

// UpdateTrustStatus moves a participant to a new trust status. Moving out
// of revoked is refused with ErrInvalidTransition. A successful move to
// suspended or revoked emits a trust-change event for the revocation
// coordinator.
func (r *Registry) UpdateTrustStatus(
	ctx context.Context,
	did string,
	newStatus models.TrustStatus,
) error {
	if !newStatus.Valid() {
		return ErrInvalidStatus
	}
	for range casRetryLimit {
		current, err := r.db.Metadata().GetParticipant(did, nil)
		if err != nil {
			return err
		}
		oldStatus := models.TrustStatus(current.TrustStatus)
		if oldStatus == newStatus {
			// Idempotent no-op, no event
			return nil
		}
		if oldStatus == models.TrustStatusRevoked {
			return fmt.Errorf(
				"%w: %s is revoked",
				ErrInvalidTransition,
				did,
			)
		}
		rows, err := r.db.Metadata().UpdateParticipantTrustStatus(
			did,
			[]string{string(oldStatus)},
			string(newStatus),
			nil,
		)
		if err != nil {
			return err
		}
		if rows == 0 {
			// Lost a race with a concurrent update, re-read and retry
			continue
		}
		r.metrics.trustChanges.WithLabelValues(string(newStatus)).Inc()
		r.logger.Info(
			"participant trust status updated",
			"component", "registry",
			"did", did,
			"old_status", oldStatus,
			"new_status", newStatus,
		)
		if newStatus == models.TrustStatusSuspended ||
			newStatus == models.TrustStatusRevoked {
			evt := event.NewEvent(
				TrustStatusEventType,
				TrustStatusEvent{
					Did:       did,
					OldStatus: oldStatus,
					NewStatus: newStatus,
				},
			)
			// Prefer async delivery so the caller is never blocked on
			// consumers; fall back to synchronous delivery rather than
			// dropping the event when the async queue is full
			if !r.eventBus.PublishAsync(TrustStatusEventType, evt) {
				r.eventBus.Publish(TrustStatusEventType, evt)
			}
		}
		return nil
	}
	return fmt.Errorf(
		"trust status update for %s kept racing concurrent updates",
		did,
	)
}
