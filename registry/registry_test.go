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

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/event"
	"github.com/trustfabric/sigil/registry"
)

func testRegistry(t *testing.T) (*registry.Registry, *event.EventBus) {
	t.Helper()
	db, err := database.New(&database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	eb := event.NewEventBus(nil, nil)
	t.Cleanup(eb.Stop)
	r := registry.NewRegistry(registry.RegistryConfig{
		EventBus: eb,
		Database: db,
	})
	return r, eb
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	participant := &models.Participant{
		Did:  "did:example:reg-lookup",
		Name: "Acme Corp",
		Attributes: map[string]any{
			"membershipLevel": "gold",
		},
	}
	require.NoError(t, r.Register(ctx, participant))

	got, err := r.Lookup(ctx, "did:example:reg-lookup")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	// Registration defaults to active
	assert.Equal(t, string(models.TrustStatusActive), got.TrustStatus)
	assert.Equal(t, "gold", got.Attributes["membershipLevel"])
}

func TestLookupUnknownParticipant(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.Lookup(context.Background(), "did:example:missing")
	require.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestRegisterInvalidStatus(t *testing.T) {
	r, _ := testRegistry(t)
	err := r.Register(context.Background(), &models.Participant{
		Did:         "did:example:bad-status",
		TrustStatus: "bogus",
	})
	require.ErrorIs(t, err, registry.ErrInvalidStatus)
}

func TestUpdateTrustStatus(t *testing.T) {
	r, eb := testRegistry(t)
	ctx := context.Background()
	did := "did:example:trust-update"

	_, evtCh := eb.Subscribe(registry.TrustStatusEventType)

	require.NoError(t, r.Register(ctx, &models.Participant{Did: did}))
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusSuspended),
	)

	got, err := r.Lookup(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, string(models.TrustStatusSuspended), got.TrustStatus)

	select {
	case evt := <-evtCh:
		data, ok := evt.Data.(registry.TrustStatusEvent)
		require.True(t, ok)
		assert.Equal(t, did, data.Did)
		assert.Equal(t, models.TrustStatusActive, data.OldStatus)
		assert.Equal(t, models.TrustStatusSuspended, data.NewStatus)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for trust status event")
	}
}

func TestUpdateTrustStatusIdempotent(t *testing.T) {
	r, eb := testRegistry(t)
	ctx := context.Background()
	did := "did:example:trust-idempotent"

	require.NoError(t, r.Register(ctx, &models.Participant{Did: did}))
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusSuspended),
	)

	// Subscribe after the first change so a repeated update would be the
	// only possible event
	_, evtCh := eb.Subscribe(registry.TrustStatusEventType)
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusSuspended),
	)
	select {
	case <-evtCh:
		t.Fatalf("same-status update emitted an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateTrustStatusRevokedIsTerminal(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	did := "did:example:trust-terminal"

	require.NoError(t, r.Register(ctx, &models.Participant{Did: did}))
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusRevoked),
	)

	err := r.UpdateTrustStatus(ctx, did, models.TrustStatusActive)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
	err = r.UpdateTrustStatus(ctx, did, models.TrustStatusSuspended)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestUpdateTrustStatusReinstate(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	did := "did:example:trust-reinstate"

	require.NoError(t, r.Register(ctx, &models.Participant{Did: did}))
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusSuspended),
	)
	require.NoError(
		t,
		r.UpdateTrustStatus(ctx, did, models.TrustStatusActive),
	)

	got, err := r.Lookup(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, string(models.TrustStatusActive), got.TrustStatus)
}
