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

package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/ledger"
)

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := database.New(&database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	eb := event.NewEventBus(nil, nil)
	t.Cleanup(eb.Stop)
	return ledger.NewLedger(ledger.LedgerConfig{
		EventBus: eb,
		Database: db,
	})
}

func TestSubmitAssignsRequestId(t *testing.T) {
	l := testLedger(t)
	result, err := l.Submit(context.Background(), &models.IssuanceRequest{
		ParticipantRef: "did:example:submit-id",
		DefinitionRef:  "def-submit-id",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestId)
	assert.False(t, result.Duplicate)

	got, err := l.Get(context.Background(), result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateReceived), got.State)
}

func TestSubmitIdempotentByRequestId(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	first, err := l.Submit(ctx, &models.IssuanceRequest{
		RequestId:      "req-idem-1",
		ParticipantRef: "did:example:idem",
		DefinitionRef:  "def-idem",
	})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Same idempotency key, even with different claims, returns the
	// original request and records nothing new
	second, err := l.Submit(ctx, &models.IssuanceRequest{
		RequestId:      "req-idem-1",
		ParticipantRef: "did:example:idem",
		DefinitionRef:  "def-idem",
		SubmittedClaims: map[string]any{
			"changed": true,
		},
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestId, second.RequestId)
}

func TestSubmitOneInFlightPerPair(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	first, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:pair",
		DefinitionRef:  "def-pair",
	})
	require.NoError(t, err)

	// A new key for the same pair is deduplicated onto the active request
	second, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:pair",
		DefinitionRef:  "def-pair",
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestId, second.RequestId)

	// Once the active request reaches a terminal state, the pair is free
	// for a new submission
	require.NoError(t, l.Transition(
		ctx,
		first.RequestId,
		models.RequestStateReceived,
		models.RequestStateRejected,
		ledger.TransitionPayload{
			RejectionReason: models.RejectionClaimsRuleViolation,
		},
	))
	third, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:pair",
		DefinitionRef:  "def-pair",
	})
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.RequestId, third.RequestId)
}

func TestSubmitConcurrentSamePair(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	const submitters = 10

	results := make([]ledger.SubmitResult, submitters)
	var wg sync.WaitGroup
	for i := range submitters {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := l.Submit(ctx, &models.IssuanceRequest{
				ParticipantRef: "did:example:concurrent",
				DefinitionRef:  "def-concurrent",
			})
			require.NoError(t, err)
			results[idx] = result
		}(i)
	}
	wg.Wait()

	// Exactly one submission created a request; all returned the same id
	var created int
	for _, result := range results {
		assert.Equal(t, results[0].RequestId, result.RequestId)
		if !result.Duplicate {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestTransitionConflict(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	result, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:conflict",
		DefinitionRef:  "def-conflict",
	})
	require.NoError(t, err)

	require.NoError(t, l.Transition(
		ctx,
		result.RequestId,
		models.RequestStateReceived,
		models.RequestStateValidated,
		ledger.TransitionPayload{},
	))

	// The request already left received; a stale transition must fail
	// with a conflict rather than overwriting
	err = l.Transition(
		ctx,
		result.RequestId,
		models.RequestStateReceived,
		models.RequestStateRejected,
		ledger.TransitionPayload{},
	)
	require.ErrorIs(t, err, ledger.ErrConflict)

	got, err := l.Get(ctx, result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateValidated), got.State)
}

func TestTransitionUnknownRequest(t *testing.T) {
	l := testLedger(t)
	err := l.Transition(
		context.Background(),
		"req-missing",
		models.RequestStateReceived,
		models.RequestStateValidated,
		ledger.TransitionPayload{},
	)
	require.ErrorIs(t, err, models.ErrRequestNotFound)
}

func TestTransitionRecordsPayload(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	result, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:payload",
		DefinitionRef:  "def-payload",
	})
	require.NoError(t, err)

	require.NoError(t, l.Transition(
		ctx,
		result.RequestId,
		models.RequestStateReceived,
		models.RequestStateRejected,
		ledger.TransitionPayload{
			RejectionReason: models.RejectionParticipantNotActive,
		},
	))

	got, err := l.Get(ctx, result.RequestId)
	require.NoError(t, err)
	assert.Equal(t, string(models.RequestStateRejected), got.State)
	assert.Equal(
		t,
		string(models.RejectionParticipantNotActive),
		got.RejectionReason,
	)
}

func TestListRequestsInStates(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	result, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:list-states",
		DefinitionRef:  "def-list-states",
	})
	require.NoError(t, err)

	requests, err := l.ListRequestsInStates(
		ctx,
		[]models.RequestState{models.RequestStateReceived},
	)
	require.NoError(t, err)
	ids := make([]string, 0, len(requests))
	for _, request := range requests {
		ids = append(ids, request.RequestId)
	}
	assert.Contains(t, ids, result.RequestId)

	requests, err = l.ListRequestsInStates(
		ctx,
		[]models.RequestState{models.RequestStateIssued},
	)
	require.NoError(t, err)
	for _, request := range requests {
		assert.NotEqual(t, result.RequestId, request.RequestId)
	}
}

func TestTransitionAuditTrail(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	result, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:audit",
		DefinitionRef:  "def-audit",
	})
	require.NoError(t, err)

	steps := []struct {
		from models.RequestState
		to   models.RequestState
	}{
		{models.RequestStateReceived, models.RequestStateValidated},
		{models.RequestStateValidated, models.RequestStateApproved},
		{models.RequestStateApproved, models.RequestStateIssuing},
	}
	for _, step := range steps {
		require.NoError(t, l.Transition(
			ctx,
			result.RequestId,
			step.from,
			step.to,
			ledger.TransitionPayload{},
		))
	}
	issuedAt := time.Now().UTC()
	require.NoError(t, l.CompleteIssuance(ctx, &models.IssuedCredential{
		CredentialId:   "cred-audit",
		RequestId:      result.RequestId,
		ParticipantRef: "did:example:audit",
		DefinitionRef:  "def-audit",
		Status:         string(models.CredentialStatusValid),
		IssuedAt:       issuedAt,
		ExpiresAt:      issuedAt.Add(time.Hour),
	}))

	trail, err := l.Transitions(ctx, result.RequestId)
	require.NoError(t, err)
	require.Len(t, trail, 5)
	expected := []models.RequestState{
		models.RequestStateReceived,
		models.RequestStateValidated,
		models.RequestStateApproved,
		models.RequestStateIssuing,
		models.RequestStateIssued,
	}
	for i, state := range expected {
		assert.Equal(t, string(state), trail[i].ToState)
		assert.Equal(t, result.RequestId, trail[i].RequestId)
	}
	assert.Empty(t, trail[0].FromState)
	assert.Equal(t, string(models.RequestStateIssuing), trail[4].FromState)

	// A conflicting transition must not grow the trail
	err = l.Transition(
		ctx,
		result.RequestId,
		models.RequestStateApproved,
		models.RequestStateIssuing,
		ledger.TransitionPayload{},
	)
	require.ErrorIs(t, err, ledger.ErrConflict)
	trail, err = l.Transitions(ctx, result.RequestId)
	require.NoError(t, err)
	assert.Len(t, trail, 5)
}

func TestTransitionAuditTrailRecordsDetail(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	result, err := l.Submit(ctx, &models.IssuanceRequest{
		ParticipantRef: "did:example:audit-detail",
		DefinitionRef:  "def-audit-detail",
	})
	require.NoError(t, err)

	require.NoError(t, l.Transition(
		ctx,
		result.RequestId,
		models.RequestStateReceived,
		models.RequestStateRejected,
		ledger.TransitionPayload{
			RejectionReason: models.RejectionParticipantNotActive,
		},
	))

	trail, err := l.Transitions(ctx, result.RequestId)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, string(models.RequestStateRejected), trail[1].ToState)
	assert.Equal(
		t,
		string(models.RejectionParticipantNotActive),
		trail[1].Detail,
	)
}
