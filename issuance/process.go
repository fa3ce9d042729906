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
	"time"

	"github.com/google/uuid"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/ledger"
)

// ArtifactBlobKey returns the blob store key holding the signed credential
// artifact for a credential id
func ArtifactBlobKey(credentialId string) []byte {
	return []byte("artifact/" + credentialId)
}

// credentialIdNamespace scopes the UUIDs derived from request ids
var credentialIdNamespace = uuid.MustParse(
	"b6e1f1a4-52c7-4c9a-8f0d-3d7e9b2a64c1",
)

// process advances a single request as far as its current state allows.
// Every transition goes through the ledger with the expected prior state;
// a Conflict means another actor already advanced the request, in which
// case we simply stop and let the owning actor finish.
func (o *Orchestrator) process(ctx context.Context, requestId string) {
	req, err := o.ledger.Get(ctx, requestId)
	if err != nil {
		o.logger.Error(
			"failed to load issuance request",
			"component", "issuance",
			"request_id", requestId,
			"error", err,
		)
		return
	}
	switch models.RequestState(req.State) {
	case models.RequestStateReceived:
		o.validate(ctx, req)
	case models.RequestStateValidated:
		// Holding for manual review unless the rules say otherwise
		o.maybeAutoApprove(ctx, req)
	case models.RequestStateApproved, models.RequestStateIssuing:
		o.issue(ctx, req)
	default:
		// Terminal, nothing to do
	}
}

// validate applies the eligibility gate: participant active, definition
// active, claims satisfying the definition's issuance rules. Any failure
// rejects the request with a specific reason; rejection is a normal
// lifecycle outcome, not a system error.
func (o *Orchestrator) validate(
	ctx context.Context,
	req *models.IssuanceRequest,
) {
	participant, err := o.registry.Lookup(ctx, req.ParticipantRef)
	if err != nil {
		if errors.Is(err, models.ErrParticipantNotFound) {
			o.reject(ctx, req, models.RejectionParticipantNotFound, "")
			return
		}
		o.logger.Error(
			"participant lookup failed",
			"component", "issuance",
			"request_id", req.RequestId,
			"error", err,
		)
		return
	}
	if models.TrustStatus(participant.TrustStatus) != models.TrustStatusActive {
		o.reject(ctx, req, models.RejectionParticipantNotActive, "")
		return
	}
	def, err := o.definitions.Lookup(ctx, req.DefinitionRef)
	if err != nil {
		if errors.Is(err, models.ErrDefinitionNotFound) {
			o.reject(ctx, req, models.RejectionDefinitionNotFound, "")
			return
		}
		o.logger.Error(
			"definition lookup failed",
			"component", "issuance",
			"request_id", req.RequestId,
			"error", err,
		)
		return
	}
	if models.DefinitionStatus(def.Status) != models.DefinitionStatusActive {
		o.reject(ctx, req, models.RejectionDefinitionDisabled, "")
		return
	}
	if err := definition.EvaluateRules(
		def,
		participant,
		req.SubmittedClaims,
	); err != nil {
		o.reject(ctx, req, models.RejectionClaimsRuleViolation, err.Error())
		return
	}
	err = o.ledger.Transition(
		ctx,
		req.RequestId,
		models.RequestStateReceived,
		models.RequestStateValidated,
		ledger.TransitionPayload{},
	)
	if err != nil {
		o.handleTransitionErr(req.RequestId, err)
		return
	}
	req.State = string(models.RequestStateValidated)
	o.maybeAutoApprove(ctx, req)
}

// maybeAutoApprove advances a validated request to approved unless the
// definition designates manual review, in which case the request holds at
// validated until an external approval signal arrives. There is no
// implicit timeout promotion.
func (o *Orchestrator) maybeAutoApprove(
	ctx context.Context,
	req *models.IssuanceRequest,
) {
	def, err := o.definitions.Lookup(ctx, req.DefinitionRef)
	if err != nil {
		o.logger.Error(
			"definition lookup failed",
			"component", "issuance",
			"request_id", req.RequestId,
			"error", err,
		)
		return
	}
	if def.Rules.ManualReview {
		o.logger.Debug(
			"request holding at validated for manual review",
			"component", "issuance",
			"request_id", req.RequestId,
		)
		return
	}
	err = o.ledger.Transition(
		ctx,
		req.RequestId,
		models.RequestStateValidated,
		models.RequestStateApproved,
		ledger.TransitionPayload{},
	)
	if err != nil {
		o.handleTransitionErr(req.RequestId, err)
		return
	}
	req.State = string(models.RequestStateApproved)
	o.issue(ctx, req)
}

// issue runs the externally visible half of the state machine: record
// issuing durably, obtain a signed artifact, publish the status entry,
// then record the issued credential. The issuing state is recorded before
// any external call so a crash mid-call is recoverable by re-reading and
// retrying; both collaborators are idempotent per request.
func (o *Orchestrator) issue(
	ctx context.Context,
	req *models.IssuanceRequest,
) {
	if models.RequestState(req.State) == models.RequestStateApproved {
		err := o.ledger.Transition(
			ctx,
			req.RequestId,
			models.RequestStateApproved,
			models.RequestStateIssuing,
			ledger.TransitionPayload{},
		)
		if err != nil {
			o.handleTransitionErr(req.RequestId, err)
			return
		}
		req.State = string(models.RequestStateIssuing)
	}
	def, err := o.definitions.Lookup(ctx, req.DefinitionRef)
	if err != nil {
		o.logger.Error(
			"definition lookup failed during issuing",
			"component", "issuance",
			"request_id", req.RequestId,
			"error", err,
		)
		return
	}
	// Expiry is fixed from the definition's validity period at issuance
	// time; later definition changes must not alter it
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(def.ValidityPeriod())
	// The credential id is derived from the request id so that repeated
	// issuing passes (rescan, crash recovery) converge on a single
	// credential against the idempotent collaborators instead of minting
	// a second externally visible one
	credentialId := uuid.NewSHA1(
		credentialIdNamespace,
		[]byte(req.RequestId),
	).String()

	signReq := SignRequest{
		RequestId:      req.RequestId,
		CredentialId:   credentialId,
		ParticipantRef: req.ParticipantRef,
		DefinitionRef:  req.DefinitionRef,
		CredentialType: def.CredentialType,
		Claims:         req.SubmittedClaims,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	}
	var artifact []byte
	err = o.withRetry(ctx, "sign", req.RequestId, func(actx context.Context) error {
		var signErr error
		artifact, signErr = o.signer.Sign(actx, signReq)
		return signErr
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the external call. Leave the request at
			// issuing so recovery resumes it on the next start.
			return
		}
		o.fail(ctx, req, err)
		return
	}
	if err := o.db.Blob().Set(
		ArtifactBlobKey(credentialId),
		artifact,
	); err != nil {
		o.fail(ctx, req, err)
		return
	}
	err = o.withRetry(ctx, "publish", req.RequestId, func(actx context.Context) error {
		return o.publisher.PublishStatus(
			actx,
			credentialId,
			models.CredentialStatusValid,
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(ctx, req, err)
		return
	}
	err = o.ledger.CompleteIssuance(ctx, &models.IssuedCredential{
		CredentialId:   credentialId,
		RequestId:      req.RequestId,
		ParticipantRef: req.ParticipantRef,
		DefinitionRef:  req.DefinitionRef,
		Status:         string(models.CredentialStatusValid),
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		o.handleTransitionErr(req.RequestId, err)
		return
	}
	o.metrics.issued.Inc()
	o.logger.Info(
		"issued credential",
		"component", "issuance",
		"request_id", req.RequestId,
		"credential_id", credentialId,
		"participant", req.ParticipantRef,
		"definition", req.DefinitionRef,
	)
}

func (o *Orchestrator) reject(
	ctx context.Context,
	req *models.IssuanceRequest,
	reason models.RejectionReason,
	detail string,
) {
	err := o.ledger.Transition(
		ctx,
		req.RequestId,
		models.RequestState(req.State),
		models.RequestStateRejected,
		ledger.TransitionPayload{
			RejectionReason: reason,
			LastError:       detail,
		},
	)
	if err != nil {
		o.handleTransitionErr(req.RequestId, err)
		return
	}
	o.metrics.rejected.WithLabelValues(string(reason)).Inc()
	o.logger.Info(
		"rejected issuance request",
		"component", "issuance",
		"request_id", req.RequestId,
		"reason", reason,
	)
}

// fail records a terminal failed state after retries against an external
// collaborator were exhausted. The request is surfaced for operator
// intervention and never retried automatically again.
func (o *Orchestrator) fail(
	ctx context.Context,
	req *models.IssuanceRequest,
	cause error,
) {
	err := o.ledger.Transition(
		ctx,
		req.RequestId,
		models.RequestState(req.State),
		models.RequestStateFailed,
		ledger.TransitionPayload{
			LastError: cause.Error(),
		},
	)
	if err != nil {
		o.handleTransitionErr(req.RequestId, err)
		return
	}
	o.metrics.failed.Inc()
	o.logger.Error(
		"issuance request failed",
		"component", "issuance",
		"request_id", req.RequestId,
		"error", cause,
	)
}

// handleTransitionErr logs unexpected transition errors. A Conflict is the
// normal signal that another actor advanced the request and needs no more
// than a debug line.
func (o *Orchestrator) handleTransitionErr(requestId string, err error) {
	if errors.Is(err, ledger.ErrConflict) {
		o.logger.Debug(
			"request advanced by another actor",
			"component", "issuance",
			"request_id", requestId,
		)
		return
	}
	o.logger.Error(
		"request transition failed",
		"component", "issuance",
		"request_id", requestId,
		"error", err,
	)
}
