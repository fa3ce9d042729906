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

package api

import (
	"time"

	"github.com/trustfabric/sigil/database/models"
)

type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

type SubmitRequestBody struct {
	ParticipantRef string         `json:"participantRef"`
	DefinitionRef  string         `json:"definitionRef"`
	Claims         map[string]any `json:"claims"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

type SubmitRequestResponse struct {
	RequestId string `json:"requestId"`
	Duplicate bool   `json:"duplicate"`
}

type IssuanceRequestResponse struct {
	RequestId           string         `json:"requestId"`
	ParticipantRef      string         `json:"participantRef"`
	DefinitionRef       string         `json:"definitionRef"`
	State               string         `json:"state"`
	Claims              map[string]any `json:"claims,omitempty"`
	RejectionReason     string         `json:"rejectionReason,omitempty"`
	ResultCredentialRef string         `json:"resultCredentialRef,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

func newIssuanceRequestResponse(
	request *models.IssuanceRequest,
) IssuanceRequestResponse {
	return IssuanceRequestResponse{
		RequestId:           request.RequestId,
		ParticipantRef:      request.ParticipantRef,
		DefinitionRef:       request.DefinitionRef,
		State:               request.State,
		Claims:              request.SubmittedClaims,
		RejectionReason:     request.RejectionReason,
		ResultCredentialRef: request.ResultCredentialRef,
		LastError:           request.LastError,
		CreatedAt:           request.CreatedAt,
		UpdatedAt:           request.UpdatedAt,
	}
}

type RequestTransitionResponse struct {
	FromState  string    `json:"fromState,omitempty"`
	ToState    string    `json:"toState"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newRequestTransitionResponse(
	transition *models.RequestTransition,
) RequestTransitionResponse {
	return RequestTransitionResponse{
		FromState:  transition.FromState,
		ToState:    transition.ToState,
		Detail:     transition.Detail,
		OccurredAt: transition.CreatedAt,
	}
}

type ParticipantBody struct {
	Did         string         `json:"did"`
	Name        string         `json:"name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	TrustStatus string         `json:"trustStatus,omitempty"`
}

type ParticipantResponse struct {
	Did         string         `json:"did"`
	Name        string         `json:"name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	TrustStatus string         `json:"trustStatus"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func newParticipantResponse(
	participant *models.Participant,
) ParticipantResponse {
	return ParticipantResponse{
		Did:         participant.Did,
		Name:        participant.Name,
		Attributes:  participant.Attributes,
		TrustStatus: participant.TrustStatus,
		CreatedAt:   participant.CreatedAt,
		UpdatedAt:   participant.UpdatedAt,
	}
}

type TrustStatusBody struct {
	TrustStatus string `json:"trustStatus"`
}

type DefinitionBody struct {
	DefinitionId    string               `json:"definitionId"`
	CredentialType  string               `json:"credentialType"`
	SchemaRef       string               `json:"schemaRef,omitempty"`
	Rules           models.IssuanceRules `json:"rules"`
	Status          string               `json:"status,omitempty"`
	ValiditySeconds int64                `json:"validitySeconds"`
}

type DefinitionResponse struct {
	DefinitionId    string               `json:"definitionId"`
	CredentialType  string               `json:"credentialType"`
	SchemaRef       string               `json:"schemaRef,omitempty"`
	Rules           models.IssuanceRules `json:"rules"`
	Status          string               `json:"status"`
	ValiditySeconds int64                `json:"validitySeconds"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func newDefinitionResponse(
	definition *models.CredentialDefinition,
) DefinitionResponse {
	return DefinitionResponse{
		DefinitionId:    definition.DefinitionId,
		CredentialType:  definition.CredentialType,
		SchemaRef:       definition.SchemaRef,
		Rules:           definition.Rules,
		Status:          definition.Status,
		ValiditySeconds: definition.ValiditySeconds,
		CreatedAt:       definition.CreatedAt,
		UpdatedAt:       definition.UpdatedAt,
	}
}

type DefinitionStatusBody struct {
	Status string `json:"status"`
}

type CredentialResponse struct {
	CredentialId   string    `json:"credentialId"`
	RequestId      string    `json:"requestId"`
	ParticipantRef string    `json:"participantRef"`
	DefinitionRef  string    `json:"definitionRef"`
	Status         string    `json:"status"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func newCredentialResponse(
	credential *models.IssuedCredential,
	now time.Time,
) CredentialResponse {
	return CredentialResponse{
		CredentialId:   credential.CredentialId,
		RequestId:      credential.RequestId,
		ParticipantRef: credential.ParticipantRef,
		DefinitionRef:  credential.DefinitionRef,
		Status:         string(credential.EffectiveStatus(now)),
		IssuedAt:       credential.IssuedAt,
		ExpiresAt:      credential.ExpiresAt,
	}
}
