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

package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/event"
	"gorm.io/gorm"
)

const (
	RequestSubmittedEventType  event.EventType = "ledger.request_submitted"
	RequestTransitionEventType event.EventType = "ledger.request_transition"
)

// RequestTransitionEvent is published after every recorded state transition
type RequestTransitionEvent struct {
	RequestId string
	FromState models.RequestState
	ToState   models.RequestState
}

// ErrConflict is returned when a transition's expected prior state no
// longer matches the stored state. The caller must re-read the request
// rather than re-apply its own transition.
var ErrConflict = errors.New("request state conflict")

// SubmitResult is the outcome of submitting an issuance request
type SubmitResult struct {
	// RequestId identifies the accepted request, or the already-active
	// request when Duplicate is set
	RequestId string
	// Duplicate is set when an equivalent request already existed, either
	// by idempotency key or as a non-terminal request for the same
	// (participant, definition) pair
	Duplicate bool
}

// TransitionPayload carries the columns recorded alongside a transition
type TransitionPayload struct {
	RejectionReason     models.RejectionReason
	ResultCredentialRef string
	LastError           string
}

type LedgerConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Database     *database.Database
}

// Ledger is the append-oriented record of issuance requests and issued
// credentials, and the single point of shared mutable state. Submit and
// the state-changing methods provide the atomicity the one-in-flight and
// per-request ordering invariants rest on; no caller-side locking is
// required.
type Ledger struct {
	config   LedgerConfig
	logger   *slog.Logger
	eventBus *event.EventBus
	db       *database.Database
	// submitMutex serializes Submit calls so the duplicate check and the
	// insert observe a consistent view of the non-terminal request set
	submitMutex sync.Mutex
	metrics     struct {
		submitted   prometheus.Counter
		duplicates  prometheus.Counter
		transitions *prometheus.CounterVec
	}
}

func NewLedger(config LedgerConfig) *Ledger {
	l := &Ledger{
		config:   config,
		eventBus: config.EventBus,
		db:       config.Database,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	l.metrics.submitted = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_ledger_requests_submitted_total",
			Help: "total issuance requests accepted by the ledger",
		},
	)
	l.metrics.duplicates = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_ledger_requests_duplicate_total",
			Help: "total submissions deduplicated against an existing request",
		},
	)
	l.metrics.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigil_ledger_transitions_total",
			Help: "total request state transitions recorded, by target state",
		},
		[]string{"to_state"},
	)
	return l
}

// Submit records a new issuance request in the received state. Submissions
// are idempotent: a repeated request id returns the existing request, and
// a new id for a (participant, definition) pair that already has a
// non-terminal request returns that request's id with Duplicate set.
func (l *Ledger) Submit(
	ctx context.Context,
	request *models.IssuanceRequest,
) (SubmitResult, error) {
	if request.RequestId == "" {
		request.RequestId = uuid.NewString()
	}
	request.State = string(models.RequestStateReceived)

	l.submitMutex.Lock()
	defer l.submitMutex.Unlock()

	var ret SubmitResult
	err := l.db.Metadata().DB().Transaction(func(tx *gorm.DB) error {
		// Idempotency by request id: same key, same request
		existing, err := l.db.Metadata().GetRequest(request.RequestId, tx)
		if err != nil && !errors.Is(err, models.ErrRequestNotFound) {
			return err
		}
		if existing != nil {
			ret = SubmitResult{
				RequestId: existing.RequestId,
				Duplicate: true,
			}
			return nil
		}
		// One-in-flight invariant per (participant, definition) pair
		active, err := l.db.Metadata().GetActiveRequestForPair(
			request.ParticipantRef,
			request.DefinitionRef,
			tx,
		)
		if err != nil {
			return err
		}
		if active != nil {
			ret = SubmitResult{
				RequestId: active.RequestId,
				Duplicate: true,
			}
			return nil
		}
		if err := l.db.Metadata().AddRequest(request, tx); err != nil {
			return err
		}
		if err := l.db.Metadata().AddRequestTransition(
			&models.RequestTransition{
				RequestId: request.RequestId,
				ToState:   string(models.RequestStateReceived),
			},
			tx,
		); err != nil {
			return err
		}
		ret = SubmitResult{RequestId: request.RequestId}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if ret.Duplicate {
		l.metrics.duplicates.Inc()
		l.logger.Debug(
			"deduplicated issuance request submission",
			"component", "ledger",
			"request_id", ret.RequestId,
		)
		return ret, nil
	}
	l.metrics.submitted.Inc()
	l.logger.Info(
		"accepted issuance request",
		"component", "ledger",
		"request_id", ret.RequestId,
		"participant", request.ParticipantRef,
		"definition", request.DefinitionRef,
	)
	l.eventBus.PublishAsync(
		RequestSubmittedEventType,
		event.NewEvent(RequestSubmittedEventType, ret.RequestId),
	)
	return ret, nil
}

// Transition moves a request from fromState to toState, recording the
// payload columns alongside and appending an audit record in the same
// transaction. ErrConflict is returned when the stored state no longer
// matches fromState, models.ErrRequestNotFound when the request id is
// unknown.
func (l *Ledger) Transition(
	ctx context.Context,
	requestId string,
	fromState models.RequestState,
	toState models.RequestState,
	payload TransitionPayload,
) error {
	updates := map[string]any{}
	if payload.RejectionReason != "" {
		updates["rejection_reason"] = string(payload.RejectionReason)
	}
	if payload.ResultCredentialRef != "" {
		updates["result_credential_ref"] = payload.ResultCredentialRef
	}
	if payload.LastError != "" {
		updates["last_error"] = payload.LastError
	}
	detail := payload.LastError
	if payload.RejectionReason != "" {
		detail = string(payload.RejectionReason)
	}
	err := l.db.Metadata().DB().Transaction(func(tx *gorm.DB) error {
		rows, err := l.db.Metadata().UpdateRequestState(
			requestId,
			string(fromState),
			string(toState),
			updates,
			tx,
		)
		if err != nil {
			return err
		}
		if rows == 0 {
			// Distinguish an unknown request from a racing transition
			if _, err := l.db.Metadata().GetRequest(
				requestId,
				tx,
			); err != nil {
				return err
			}
			return ErrConflict
		}
		return l.db.Metadata().AddRequestTransition(
			&models.RequestTransition{
				RequestId: requestId,
				FromState: string(fromState),
				ToState:   string(toState),
				Detail:    detail,
			},
			tx,
		)
	})
	if err != nil {
		return err
	}
	l.recordTransition(requestId, fromState, toState)
	return nil
}

// Get returns the issuance request for a request id
func (l *Ledger) Get(
	ctx context.Context,
	requestId string,
) (*models.IssuanceRequest, error) {
	return l.db.Metadata().GetRequest(requestId, nil)
}

// ListRequestsInStates returns requests currently in one of the given
// states, oldest first. The orchestrator uses this to recover in-flight
// work after a restart.
func (l *Ledger) ListRequestsInStates(
	ctx context.Context,
	states []models.RequestState,
) ([]models.IssuanceRequest, error) {
	stateStrs := make([]string, 0, len(states))
	for _, s := range states {
		stateStrs = append(stateStrs, string(s))
	}
	return l.db.Metadata().ListRequestsInStates(stateStrs, nil)
}

// Transitions returns the audit trail of state changes for a request,
// oldest first
func (l *Ledger) Transitions(
	ctx context.Context,
	requestId string,
) ([]models.RequestTransition, error) {
	return l.db.Metadata().GetRequestTransitions(requestId, nil)
}

func (l *Ledger) recordTransition(
	requestId string,
	fromState models.RequestState,
	toState models.RequestState,
) {
	l.metrics.transitions.WithLabelValues(string(toState)).Inc()
	l.logger.Info(
		"recorded request transition",
		"component", "ledger",
		"request_id", requestId,
		"from_state", fromState,
		"to_state", toState,
	)
	l.eventBus.PublishAsync(
		RequestTransitionEventType,
		event.NewEvent(
			RequestTransitionEventType,
			RequestTransitionEvent{
				RequestId: requestId,
				FromState: fromState,
				ToState:   toState,
			},
		),
	)
}
