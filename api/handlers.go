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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/database/types"
	"github.com/trustfabric/sigil/definition"
	"github.com/trustfabric/sigil/issuance"
	"github.com/trustfabric/sigil/ledger"
	"github.com/trustfabric/sigil/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

// writeError maps component errors onto HTTP status codes: not-found
// sentinels to 404, state conflicts to 409, validation failures to 400,
// everything else to 500
func (a *Api) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrParticipantNotFound),
		errors.Is(err, models.ErrDefinitionNotFound),
		errors.Is(err, models.ErrRequestNotFound),
		errors.Is(err, models.ErrCredentialNotFound),
		errors.Is(err, types.ErrKeyNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, issuance.ErrNotAwaitingApproval),
		errors.Is(err, issuance.ErrCannotCancel),
		errors.Is(err, registry.ErrInvalidTransition):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, definition.ErrInvalidStatus):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(
			"request failed",
			"error", err,
		)
		writeErrorResponse(
			w,
			http.StatusInternalServerError,
			"internal error",
		)
	}
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (a *Api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (a *Api) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ParticipantRef == "" || body.DefinitionRef == "" {
		writeErrorResponse(
			w,
			http.StatusBadRequest,
			"participantRef and definitionRef are required",
		)
		return
	}
	idempotencyKey := body.IdempotencyKey
	if headerKey := r.Header.Get("Idempotency-Key"); headerKey != "" {
		idempotencyKey = headerKey
	}
	result, err := a.config.Orchestrator.Submit(
		r.Context(),
		issuance.SubmitRequest{
			ParticipantRef: body.ParticipantRef,
			DefinitionRef:  body.DefinitionRef,
			Claims:         body.Claims,
			IdempotencyKey: idempotencyKey,
		},
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitRequestResponse{
		RequestId: result.RequestId,
		Duplicate: result.Duplicate,
	})
}

func (a *Api) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	request, err := a.config.Orchestrator.Get(
		r.Context(),
		chi.URLParam(r, "requestId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIssuanceRequestResponse(request))
}

func (a *Api) handleGetRequestTransitions(
	w http.ResponseWriter,
	r *http.Request,
) {
	requestId := chi.URLParam(r, "requestId")
	// Resolve the request first so an unknown id is a 404 rather than an
	// empty trail
	if _, err := a.config.Orchestrator.Get(r.Context(), requestId); err != nil {
		a.writeError(w, err)
		return
	}
	transitions, err := a.config.Ledger.Transitions(r.Context(), requestId)
	if err != nil {
		a.writeError(w, err)
		return
	}
	ret := make([]RequestTransitionResponse, 0, len(transitions))
	for i := range transitions {
		ret = append(ret, newRequestTransitionResponse(&transitions[i]))
	}
	writeJSON(w, http.StatusOK, ret)
}

func (a *Api) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	err := a.config.Orchestrator.Approve(
		r.Context(),
		chi.URLParam(r, "requestId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Api) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	err := a.config.Orchestrator.Cancel(
		r.Context(),
		chi.URLParam(r, "requestId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) handleRegisterParticipant(
	w http.ResponseWriter,
	r *http.Request,
) {
	var body ParticipantBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Did == "" {
		writeErrorResponse(
			w,
			http.StatusBadRequest,
			"did is required",
		)
		return
	}
	participant := &models.Participant{
		Did:         body.Did,
		Name:        body.Name,
		Attributes:  body.Attributes,
		TrustStatus: body.TrustStatus,
	}
	if err := a.config.Registry.Register(r.Context(), participant); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newParticipantResponse(participant))
}

func (a *Api) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	participant, err := a.config.Registry.Lookup(
		r.Context(),
		chi.URLParam(r, "did"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantResponse(participant))
}

func (a *Api) handleParticipantCredentials(
	w http.ResponseWriter,
	r *http.Request,
) {
	credentials, err := a.config.Ledger.CredentialsForParticipant(
		r.Context(),
		chi.URLParam(r, "did"),
		models.CredentialStatus(r.URL.Query().Get("status")),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	now := time.Now()
	ret := make([]CredentialResponse, 0, len(credentials))
	for i := range credentials {
		ret = append(ret, newCredentialResponse(&credentials[i], now))
	}
	writeJSON(w, http.StatusOK, ret)
}

func (a *Api) handleUpdateTrustStatus(
	w http.ResponseWriter,
	r *http.Request,
) {
	var body TrustStatusBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	err := a.config.Registry.UpdateTrustStatus(
		r.Context(),
		chi.URLParam(r, "did"),
		models.TrustStatus(body.TrustStatus),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var body DefinitionBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.DefinitionId == "" || body.CredentialType == "" {
		writeErrorResponse(
			w,
			http.StatusBadRequest,
			"definitionId and credentialType are required",
		)
		return
	}
	if body.ValiditySeconds <= 0 {
		writeErrorResponse(
			w,
			http.StatusBadRequest,
			"validitySeconds must be positive",
		)
		return
	}
	def := &models.CredentialDefinition{
		DefinitionId:    body.DefinitionId,
		CredentialType:  body.CredentialType,
		SchemaRef:       body.SchemaRef,
		Rules:           body.Rules,
		Status:          body.Status,
		ValiditySeconds: body.ValiditySeconds,
	}
	if err := a.config.Definitions.Save(r.Context(), def); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDefinitionResponse(def))
}

func (a *Api) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	definitions, err := a.config.Definitions.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	ret := make([]DefinitionResponse, 0, len(definitions))
	for i := range definitions {
		ret = append(ret, newDefinitionResponse(&definitions[i]))
	}
	writeJSON(w, http.StatusOK, ret)
}

func (a *Api) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := a.config.Definitions.Lookup(
		r.Context(),
		chi.URLParam(r, "definitionId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDefinitionResponse(def))
}

func (a *Api) handleSetDefinitionStatus(
	w http.ResponseWriter,
	r *http.Request,
) {
	var body DefinitionStatusBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	err := a.config.Definitions.SetStatus(
		r.Context(),
		chi.URLParam(r, "definitionId"),
		models.DefinitionStatus(body.Status),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	credential, err := a.config.Ledger.GetCredential(
		r.Context(),
		chi.URLParam(r, "credentialId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(
		w,
		http.StatusOK,
		newCredentialResponse(credential, time.Now()),
	)
}

// handleGetArtifact serves the signed credential artifact from the blob
// store. The artifact is already JSON, so it is written through verbatim.
func (a *Api) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	credentialId := chi.URLParam(r, "credentialId")
	artifact, err := a.config.Database.Blob().Get(
		issuance.ArtifactBlobKey(credentialId),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck
	w.Write(artifact)
}

func (a *Api) handleGetCredentialStatus(
	w http.ResponseWriter,
	r *http.Request,
) {
	entry, err := a.config.Publisher.Status(
		chi.URLParam(r, "credentialId"),
	)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *Api) handleIssuerDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.config.Publisher.IssuerDocument()
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/did+json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck
	w.Write(doc)
}
