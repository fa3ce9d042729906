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

package issuance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
)

const (
	DefaultWorkerPoolSize = 4
	DefaultQueueSize      = 1000

	// rescanInterval bounds how long an enqueued-but-dropped or recovered
	// request waits before a worker picks it up again
	rescanInterval = 30 * time.Second
)

var (
	// ErrCannotCancel is returned when cancellation is requested after the
	// request advanced past validated; signing or publication may already
	// be externally observable at that point
	ErrCannotCancel = errors.New("request can no longer be cancelled")
	// ErrNotAwaitingApproval is returned when an approval signal arrives
	// for a request that is not holding at validated
	ErrNotAwaitingApproval = errors.New("request is not awaiting approval")
)

// SignRequest describes the credential to sign. Signing providers must be
// idempotent per RequestId.
type SignRequest struct {
	RequestId      string
	CredentialId   string
	ParticipantRef string
	DefinitionRef  string
	CredentialType string
	Claims         map[string]any
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Signer is the external signing provider, producing a signed credential
// artifact
type Signer interface {
	Sign(context.Context, SignRequest) ([]byte, error)
}

// StatusPublisher is the external DID/registry publisher for credential
// status entries and the issuer's own DID document. Implementations must
// be idempotent per (credential id, status).
type StatusPublisher interface {
	PublishStatus(context.Context, string, models.CredentialStatus) error
	PublishIssuerDocument(context.Context, []byte) error
}

// SubmitRequest is an inbound issuance request
type SubmitRequest struct {
	ParticipantRef string
	DefinitionRef  string
	Claims         map[string]any
	// IdempotencyKey, when set, doubles as the request id so a repeated
	// submission returns the same request
	IdempotencyKey string
}

// RetryPolicy bounds retries against the external collaborators
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout bounds a single call to an external collaborator
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

type OrchestratorConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Database     *database.Database
	Ledger       *ledger.Ledger
	Registry     *registry.Registry
	Definitions  *definition.Store
	Signer       Signer
	Publisher    StatusPublisher
	Workers      int
	QueueSize    int
	RetryPolicy  RetryPolicy
	// RescanInterval overrides the default pending-request rescan period
	RescanInterval time.Duration
}

// Orchestrator drives issuance requests through the state machine. A pool
// of workers processes requests concurrently; correctness under races
// rests entirely on the ledger's compare-and-set transitions, so no
// in-process lock is held across store or collaborator calls.
type Orchestrator struct {
	config         OrchestratorConfig
	logger         *slog.Logger
	eventBus       *event.EventBus
	db             *database.Database
	ledger         *ledger.Ledger
	registry       *registry.Registry
	definitions    *definition.Store
	signer         Signer
	publisher      StatusPublisher
	retryPolicy    RetryPolicy
	rescanInterval time.Duration
	queue          chan string
	workerWg       sync.WaitGroup
	stopCh         chan struct{}
	stopOnce       sync.Once
	metrics        struct {
		issued    prometheus.Counter
		rejected  *prometheus.CounterVec
		failed    prometheus.Counter
		queueSize prometheus.Gauge
	}
}

func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkerPoolSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryPolicy.MaxAttempts <= 0 {
		config.RetryPolicy = DefaultRetryPolicy()
	}
	if config.RescanInterval <= 0 {
		config.RescanInterval = rescanInterval
	}
	o := &Orchestrator{
		config:         config,
		eventBus:       config.EventBus,
		db:             config.Database,
		ledger:         config.Ledger,
		registry:       config.Registry,
		definitions:    config.Definitions,
		signer:         config.Signer,
		publisher:      config.Publisher,
		retryPolicy:    config.RetryPolicy,
		rescanInterval: config.RescanInterval,
		queue:          make(chan string, config.QueueSize),
		stopCh:         make(chan struct{}),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		o.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		o.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	o.metrics.issued = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_issuance_issued_total",
			Help: "total credentials issued",
		},
	)
	o.metrics.rejected = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigil_issuance_rejected_total",
			Help: "total issuance requests rejected, by reason",
		},
		[]string{"reason"},
	)
	o.metrics.failed = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "sigil_issuance_failed_total",
			Help: "total issuance requests failed after exhausting retries",
		},
	)
	o.metrics.queueSize = promautoFactory.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigil_issuance_queue_depth",
			Help: "current depth of the issuance work queue",
		},
	)
	return o
}

// Start launches the worker pool and recovers in-flight requests from the
// ledger. Recovery re-enqueues anything non-terminal: a crash between
// recording issuing and the external call is resolved by resuming the
// issuing step, which is safe because the collaborators are idempotent per
// request.
func (o *Orchestrator) Start(ctx context.Context) error {
	recovered, err := o.ledger.ListRequestsInStates(
		ctx,
		[]models.RequestState{
			models.RequestStateReceived,
			models.RequestStateValidated,
			models.RequestStateApproved,
			models.RequestStateIssuing,
		},
	)
	if err != nil {
		return err
	}
	for i := range recovered {
		o.enqueue(recovered[i].RequestId)
	}
	if len(recovered) > 0 {
		o.logger.Info(
			"recovered in-flight issuance requests",
			"component", "issuance",
			"count", len(recovered),
		)
	}
	for range o.config.Workers {
		o.workerWg.Add(1)
		go o.worker(ctx)
	}
	o.workerWg.Add(1)
	go o.rescanLoop(ctx)
	return nil
}

// Stop shuts down the worker pool
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.workerWg.Wait()
}

// Submit accepts an inbound issuance request. The returned request id
// either identifies the newly accepted request or, for a duplicate
// submission, the already-active request for the same pair or key.
func (o *Orchestrator) Submit(
	ctx context.Context,
	req SubmitRequest,
) (ledger.SubmitResult, error) {
	if req.ParticipantRef == "" || req.DefinitionRef == "" {
		return ledger.SubmitResult{}, errors.New(
			"participant and definition references are required",
		)
	}
	result, err := o.ledger.Submit(ctx, &models.IssuanceRequest{
		RequestId:       req.IdempotencyKey,
		ParticipantRef:  req.ParticipantRef,
		DefinitionRef:   req.DefinitionRef,
		SubmittedClaims: req.Claims,
	})
	if err != nil {
		return ledger.SubmitResult{}, err
	}
	if !result.Duplicate {
		o.enqueue(result.RequestId)
	}
	return result, nil
}

// Approve delivers the external approval signal for a request holding at
// validated under a manual-review rule
func (o *Orchestrator) Approve(
	ctx context.Context,
	requestId string,
) error {
	err := o.ledger.Transition(
		ctx,
		requestId,
		models.RequestStateValidated,
		models.RequestStateApproved,
		ledger.TransitionPayload{},
	)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return ErrNotAwaitingApproval
		}
		return err
	}
	o.enqueue(requestId)
	return nil
}

// Cancel marks a request as cancelled. Cancellation is accepted only while
// the request is in received or validated; afterwards signing or
// publication may already be externally observable and ErrCannotCancel is
// returned.
func (o *Orchestrator) Cancel(
	ctx context.Context,
	requestId string,
) error {
	for _, fromState := range []models.RequestState{
		models.RequestStateReceived,
		models.RequestStateValidated,
	} {
		err := o.ledger.Transition(
			ctx,
			requestId,
			fromState,
			models.RequestStateRejected,
			ledger.TransitionPayload{
				RejectionReason: models.RejectionCancelled,
			},
		)
		if err == nil {
			o.metrics.rejected.WithLabelValues(
				string(models.RejectionCancelled),
			).Inc()
			return nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}
	}
	return ErrCannotCancel
}

// Get returns the issuance request for a request id
func (o *Orchestrator) Get(
	ctx context.Context,
	requestId string,
) (*models.IssuanceRequest, error) {
	return o.ledger.Get(ctx, requestId)
}

func (o *Orchestrator) enqueue(requestId string) {
	select {
	case o.queue <- requestId:
		o.metrics.queueSize.Set(float64(len(o.queue)))
	default:
		// Queue is full; the rescan loop will pick the request up again
		o.logger.Warn(
			"issuance queue full, deferring request to rescan",
			"component", "issuance",
			"request_id", requestId,
		)
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case requestId := <-o.queue:
			o.metrics.queueSize.Set(float64(len(o.queue)))
			o.process(ctx, requestId)
		}
	}
}

// rescanLoop periodically re-enqueues non-terminal requests. This
// self-heals dropped enqueues and resumes work that raced a shutdown.
// Requests holding at validated for manual review are re-enqueued too;
// process leaves them holding. Requests touched within the last interval
// are skipped, since a worker is likely still on them.
func (o *Orchestrator) rescanLoop(ctx context.Context) {
	defer o.workerWg.Done()
	ticker := time.NewTicker(o.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			pending, err := o.ledger.ListRequestsInStates(
				ctx,
				[]models.RequestState{
					models.RequestStateReceived,
					models.RequestStateValidated,
					models.RequestStateApproved,
					models.RequestStateIssuing,
				},
			)
			if err != nil {
				o.logger.Error(
					"rescan of pending issuance requests failed",
					"component", "issuance",
					"error", err,
				)
				continue
			}
			for i := range pending {
				if time.Since(pending[i].UpdatedAt) < o.rescanInterval {
					continue
				}
				o.enqueue(pending[i].RequestId)
			}
		}
	}
}
