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

package issuance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/issuance"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
)

// fakeSigner produces a static artifact and can be told to fail
type fakeSigner struct {
	mu       sync.Mutex
	failWith error
	calls    int
}

func (s *fakeSigner) Sign(
	ctx context.Context,
	req issuance.SignRequest,
) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failWith != nil {
		return nil, s.failWith
	}
	return []byte(`{"credential":"` + req.CredentialId + `"}`), nil
}

func (s *fakeSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakePublisher records published statuses in memory
type fakePublisher struct {
	mu       sync.Mutex
	statuses map[string]models.CredentialStatus
	failWith error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		statuses: make(map[string]models.CredentialStatus),
	}
}

func (p *fakePublisher) PublishStatus(
	ctx context.Context,
	credentialId string,
	status models.CredentialStatus,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.statuses[credentialId] = status
	return nil
}

func (p *fakePublisher) PublishIssuerDocument(
	ctx context.Context,
	doc []byte,
) error {
	return nil
}

func (p *fakePublisher) status(
	credentialId string,
) (models.CredentialStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.statuses[credentialId]
	return status, ok
}

func (p *fakePublisher) statusCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statuses)
}

// blockingSigner parks every Sign call until its context is cancelled,
// recording the credential id it was asked to sign
type blockingSigner struct {
	mu           sync.Mutex
	startedOnce  sync.Once
	started      chan struct{}
	credentialId string
}

func newBlockingSigner() *blockingSigner {
	return &blockingSigner{started: make(chan struct{})}
}

func (s *blockingSigner) Sign(
	ctx context.Context,
	req issuance.SignRequest,
) ([]byte, error) {
	s.mu.Lock()
	s.credentialId = req.CredentialId
	s.mu.Unlock()
	s.startedOnce.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingSigner) signingId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialId
}

type testHarness struct {
	db           *database.Database
	eb           *event.EventBus
	registry     *registry.Registry
	definitions  *definition.Store
	ledger       *ledger.Ledger
	signer       *fakeSigner
	publisher    *fakePublisher
	orchestrator *issuance.Orchestrator
}

// newTestComponents builds the shared state under the orchestrator without
// starting one, so tests can run orchestrators with their own signers or
// rescan intervals over the same ledger
func newTestComponents(t *testing.T) *testHarness {
	t.Helper()
	db, err := database.New(&database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	eb := event.NewEventBus(nil, nil)
	t.Cleanup(eb.Stop)

	h := &testHarness{
		db:        db,
		eb:        eb,
		signer:    &fakeSigner{},
		publisher: newFakePublisher(),
	}
	h.registry = registry.NewRegistry(registry.RegistryConfig{
		EventBus: eb,
		Database: db,
	})
	h.definitions = definition.NewStore(definition.StoreConfig{
		Database: db,
	})
	h.ledger = ledger.NewLedger(ledger.LedgerConfig{
		EventBus: eb,
		Database: db,
	})
	return h
}

func (h *testHarness) newOrchestrator(
	signer issuance.Signer,
	rescanInterval time.Duration,
	attemptTimeout time.Duration,
) *issuance.Orchestrator {
	if attemptTimeout == 0 {
		attemptTimeout = time.Second
	}
	return issuance.NewOrchestrator(issuance.OrchestratorConfig{
		EventBus:    h.eb,
		Database:    h.db,
		Ledger:      h.ledger,
		Registry:    h.registry,
		Definitions: h.definitions,
		Signer:      signer,
		Publisher:   h.publisher,
		Workers:     2,
		RetryPolicy: issuance.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			AttemptTimeout: attemptTimeout,
		},
		RescanInterval: rescanInterval,
	})
}

func (h *testHarness) start(
	t *testing.T,
	o *issuance.Orchestrator,
) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		o.Stop()
		cancel()
	})
	return cancel
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := newTestComponents(t)
	h.orchestrator = h.newOrchestrator(h.signer, 0, 0)
	h.start(t, h.orchestrator)
	return h
}

func (h *testHarness) addParticipant(
	t *testing.T,
	did string,
	status models.TrustStatus,
) {
	t.Helper()
	require.NoError(t, h.registry.Register(
		context.Background(),
		&models.Participant{
			Did:         did,
			TrustStatus: string(status),
			Attributes:  map[string]any{"tier": "standard"},
		},
	))
}

func (h *testHarness) addDefinition(
	t *testing.T,
	definitionId string,
	rules models.IssuanceRules,
) {
	t.Helper()
	require.NoError(t, h.definitions.Save(
		context.Background(),
		&models.CredentialDefinition{
			DefinitionId:    definitionId,
			CredentialType:  "TestCredential",
			Rules:           rules,
			ValiditySeconds: 3600,
		},
	))
}

func (h *testHarness) waitForState(
	t *testing.T,
	requestId string,
	state models.RequestState,
) *models.IssuanceRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		req, err := h.ledger.Get(context.Background(), requestId)
		require.NoError(t, err)
		if models.RequestState(req.State) == state {
			return req
		}
		if time.Now().After(deadline) {
			t.Fatalf(
				"timeout waiting for request %s to reach %s, currently %s",
				requestId,
				state,
				req.State,
			)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIssuanceHappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:happy", models.TrustStatusActive)
	h.addDefinition(t, "def-happy", models.IssuanceRules{})

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:happy",
		DefinitionRef:  "def-happy",
		Claims:         map[string]any{"name": "Alice"},
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)

	req := h.waitForState(t, result.RequestId, models.RequestStateIssued)
	require.NotEmpty(t, req.ResultCredentialRef)

	// Credential recorded with expiry derived from the definition
	credential, err := h.ledger.GetCredential(ctx, req.ResultCredentialRef)
	require.NoError(t, err)
	assert.Equal(
		t,
		models.CredentialStatusValid,
		credential.EffectiveStatus(time.Now()),
	)
	assert.WithinDuration(
		t,
		credential.IssuedAt.Add(time.Hour),
		credential.ExpiresAt,
		time.Second,
	)

	// Artifact persisted and status published
	artifact, err := h.db.Blob().Get(
		issuance.ArtifactBlobKey(req.ResultCredentialRef),
	)
	require.NoError(t, err)
	assert.NotEmpty(t, artifact)
	status, ok := h.publisher.status(req.ResultCredentialRef)
	require.True(t, ok)
	assert.Equal(t, models.CredentialStatusValid, status)
}

func TestIssuanceRejectsIneligibleParticipant(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(
		t,
		"did:example:suspended",
		models.TrustStatusSuspended,
	)
	h.addDefinition(t, "def-ineligible", models.IssuanceRules{})

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:suspended",
		DefinitionRef:  "def-ineligible",
	})
	require.NoError(t, err)

	req := h.waitForState(t, result.RequestId, models.RequestStateRejected)
	assert.Equal(
		t,
		string(models.RejectionParticipantNotActive),
		req.RejectionReason,
	)
	// Rejection is terminal; no signing was attempted
	assert.Equal(t, 0, h.signer.callCount())
}

func TestIssuanceRejectsUnknownDefinition(t *testing.T) {
	h := newTestHarness(t)
	h.addParticipant(t, "did:example:nodef", models.TrustStatusActive)

	result, err := h.orchestrator.Submit(
		context.Background(),
		issuance.SubmitRequest{
			ParticipantRef: "did:example:nodef",
			DefinitionRef:  "def-missing",
		},
	)
	require.NoError(t, err)

	req := h.waitForState(t, result.RequestId, models.RequestStateRejected)
	assert.Equal(
		t,
		string(models.RejectionDefinitionNotFound),
		req.RejectionReason,
	)
}

func TestIssuanceRejectsDisabledDefinition(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:disabled", models.TrustStatusActive)
	h.addDefinition(t, "def-disabled", models.IssuanceRules{})

	// Issue one credential while the definition is still active
	first, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:disabled",
		DefinitionRef:  "def-disabled",
	})
	require.NoError(t, err)
	issued := h.waitForState(t, first.RequestId, models.RequestStateIssued)

	require.NoError(t, h.definitions.SetStatus(
		ctx,
		"def-disabled",
		models.DefinitionStatusDisabled,
	))

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:disabled",
		DefinitionRef:  "def-disabled",
	})
	require.NoError(t, err)

	req := h.waitForState(t, result.RequestId, models.RequestStateRejected)
	assert.Equal(
		t,
		string(models.RejectionDefinitionDisabled),
		req.RejectionReason,
	)

	// Disabling the definition does not touch already-issued credentials
	credential, err := h.ledger.GetCredential(
		ctx,
		issued.ResultCredentialRef,
	)
	require.NoError(t, err)
	assert.Equal(
		t,
		models.CredentialStatusValid,
		credential.EffectiveStatus(time.Now()),
	)
}

func TestIssuanceRejectsClaimsRuleViolation(t *testing.T) {
	h := newTestHarness(t)
	h.addParticipant(t, "did:example:claims", models.TrustStatusActive)
	h.addDefinition(t, "def-claims", models.IssuanceRules{
		ClaimsSchema: `{"type":"object","required":["employeeId"]}`,
	})

	result, err := h.orchestrator.Submit(
		context.Background(),
		issuance.SubmitRequest{
			ParticipantRef: "did:example:claims",
			DefinitionRef:  "def-claims",
			Claims:         map[string]any{"department": "sales"},
		},
	)
	require.NoError(t, err)

	req := h.waitForState(t, result.RequestId, models.RequestStateRejected)
	assert.Equal(
		t,
		string(models.RejectionClaimsRuleViolation),
		req.RejectionReason,
	)
	assert.Contains(t, req.LastError, "employeeId")
}

func TestIssuanceManualReviewHold(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:review", models.TrustStatusActive)
	h.addDefinition(t, "def-review", models.IssuanceRules{
		ManualReview: true,
	})

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:review",
		DefinitionRef:  "def-review",
	})
	require.NoError(t, err)

	// The request validates and then holds; no implicit promotion
	h.waitForState(t, result.RequestId, models.RequestStateValidated)
	time.Sleep(100 * time.Millisecond)
	req, err := h.ledger.Get(ctx, result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateValidated), req.State)

	// External approval releases it
	require.NoError(t, h.orchestrator.Approve(ctx, result.RequestId))
	h.waitForState(t, result.RequestId, models.RequestStateIssued)

	// A second approval finds the request past validated
	err = h.orchestrator.Approve(ctx, result.RequestId)
	require.ErrorIs(t, err, issuance.ErrNotAwaitingApproval)
}

func TestIssuanceCancel(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:cancel", models.TrustStatusActive)
	h.addDefinition(t, "def-cancel", models.IssuanceRules{
		ManualReview: true,
	})

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:cancel",
		DefinitionRef:  "def-cancel",
	})
	require.NoError(t, err)
	h.waitForState(t, result.RequestId, models.RequestStateValidated)

	require.NoError(t, h.orchestrator.Cancel(ctx, result.RequestId))
	req, err := h.ledger.Get(ctx, result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateRejected), req.State)
	assert.Equal(
		t,
		string(models.RejectionCancelled),
		req.RejectionReason,
	)
}

func TestIssuanceCancelTooLate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:late", models.TrustStatusActive)
	h.addDefinition(t, "def-late", models.IssuanceRules{})

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:late",
		DefinitionRef:  "def-late",
	})
	require.NoError(t, err)
	h.waitForState(t, result.RequestId, models.RequestStateIssued)

	err = h.orchestrator.Cancel(ctx, result.RequestId)
	require.ErrorIs(t, err, issuance.ErrCannotCancel)
}

func TestIssuanceSignerFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:signfail", models.TrustStatusActive)
	h.addDefinition(t, "def-signfail", models.IssuanceRules{})
	h.signer.failWith = errors.New("hsm unavailable")

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:signfail",
		DefinitionRef:  "def-signfail",
	})
	require.NoError(t, err)

	// Retries are bounded; exhaustion fails the request with the cause
	// recorded for operators
	req := h.waitForState(t, result.RequestId, models.RequestStateFailed)
	assert.Contains(t, req.LastError, "hsm unavailable")
	assert.GreaterOrEqual(t, h.signer.callCount(), 2)

	// One failed request doesn't poison the pipeline
	h.signer.mu.Lock()
	h.signer.failWith = nil
	h.signer.mu.Unlock()
	h.addParticipant(t, "did:example:signok", models.TrustStatusActive)
	okResult, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:signok",
		DefinitionRef:  "def-signfail",
	})
	require.NoError(t, err)
	h.waitForState(t, okResult.RequestId, models.RequestStateIssued)
}

func TestIssuancePublishFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:pubfail", models.TrustStatusActive)
	h.addDefinition(t, "def-pubfail", models.IssuanceRules{})
	h.publisher.mu.Lock()
	h.publisher.failWith = errors.New("status list unreachable")
	h.publisher.mu.Unlock()

	result, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:pubfail",
		DefinitionRef:  "def-pubfail",
	})
	require.NoError(t, err)

	req := h.waitForState(t, result.RequestId, models.RequestStateFailed)
	assert.Contains(t, req.LastError, "status list unreachable")
	// The request never reached issued
	assert.Empty(t, req.ResultCredentialRef)
}

func TestIssuanceDuplicateSubmit(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addParticipant(t, "did:example:dup", models.TrustStatusActive)
	h.addDefinition(t, "def-dup", models.IssuanceRules{
		ManualReview: true,
	})

	first, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:dup",
		DefinitionRef:  "def-dup",
		IdempotencyKey: "req-dup-1",
	})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := h.orchestrator.Submit(ctx, issuance.SubmitRequest{
		ParticipantRef: "did:example:dup",
		DefinitionRef:  "def-dup",
		IdempotencyKey: "req-dup-1",
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestId, second.RequestId)
}

func TestIssuanceShutdownLeavesIssuingRecoverable(t *testing.T) {
	h := newTestComponents(t)
	signer := newBlockingSigner()
	o := h.newOrchestrator(signer, 0, time.Minute)
	cancel := h.start(t, o)

	h.addParticipant(t, "did:example:shutdown", models.TrustStatusActive)
	h.addDefinition(t, "def-shutdown", models.IssuanceRules{})

	result, err := o.Submit(context.Background(), issuance.SubmitRequest{
		ParticipantRef: "did:example:shutdown",
		DefinitionRef:  "def-shutdown",
		Claims:         map[string]any{"name": "Carol"},
	})
	require.NoError(t, err)

	select {
	case <-signer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("signer was never called")
	}
	cancel()
	o.Stop()

	// The request was interrupted mid-sign, not failed; a restart must be
	// able to resume it
	req, err := h.ledger.Get(context.Background(), result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateIssuing), req.State)
	assert.Empty(t, req.LastError)
}

func TestIssuanceResumeReusesCredentialId(t *testing.T) {
	h := newTestComponents(t)
	signer := newBlockingSigner()
	first := h.newOrchestrator(signer, 0, time.Minute)
	cancel := h.start(t, first)

	h.addParticipant(t, "did:example:resume", models.TrustStatusActive)
	h.addDefinition(t, "def-resume", models.IssuanceRules{})

	result, err := first.Submit(context.Background(), issuance.SubmitRequest{
		ParticipantRef: "did:example:resume",
		DefinitionRef:  "def-resume",
		Claims:         map[string]any{"name": "Dave"},
	})
	require.NoError(t, err)

	select {
	case <-signer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("signer was never called")
	}
	cancel()
	first.Stop()

	// A second orchestrator over the same ledger recovers the interrupted
	// request and must converge on the credential id the first pass was
	// already signing, publishing exactly one status entry
	second := h.newOrchestrator(h.signer, 0, 0)
	h.start(t, second)

	req := h.waitForState(t, result.RequestId, models.RequestStateIssued)
	assert.Equal(t, signer.signingId(), req.ResultCredentialRef)
	assert.Equal(t, 1, h.publisher.statusCount())
	status, ok := h.publisher.status(req.ResultCredentialRef)
	require.True(t, ok)
	assert.Equal(t, models.CredentialStatusValid, status)
}

func TestIssuanceRescanResumesValidatedRequests(t *testing.T) {
	h := newTestComponents(t)
	o := h.newOrchestrator(h.signer, 50*time.Millisecond, 0)
	h.start(t, o)
	ctx := context.Background()

	h.addParticipant(t, "did:example:stalled", models.TrustStatusActive)
	h.addDefinition(t, "def-stalled", models.IssuanceRules{})

	// Put a request at validated behind the orchestrator's back, as if a
	// transient fault had dropped it between validation and approval
	result, err := h.ledger.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef:  "did:example:stalled",
		DefinitionRef:   "def-stalled",
		SubmittedClaims: map[string]any{"name": "Erin"},
	})
	require.NoError(t, err)
	require.NoError(t, h.ledger.Transition(
		ctx,
		result.RequestId,
		models.RequestStateReceived,
		models.RequestStateValidated,
		ledger.TransitionPayload{},
	))

	// Only the rescan can find it; startup recovery already ran
	req := h.waitForState(t, result.RequestId, models.RequestStateIssued)
	assert.NotEmpty(t, req.ResultCredentialRef)
}
