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

package models

import (
	"errors"
	"time"

	"github.com/trustfabric/sigil/database/types"
)

var ErrRequestNotFound = errors.New("issuance request not found")

// RequestState is the lifecycle state of an issuance request
type RequestState string

const (
	RequestStateReceived  RequestState = "received"
	RequestStateValidated RequestState = "validated"
	RequestStateApproved  RequestState = "approved"
	RequestStateIssuing   RequestState = "issuing"
	RequestStateIssued    RequestState = "issued"
	RequestStateRejected  RequestState = "rejected"
	RequestStateFailed    RequestState = "failed"
)

// Terminal returns true if the engine performs no further transitions on a
// request in this state
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateIssued, RequestStateRejected, RequestStateFailed:
		return true
	default:
		return false
	}
}

// NonTerminalRequestStates lists states counted against the one-in-flight
// invariant per (participant, definition) pair
var NonTerminalRequestStates = []string{
	string(RequestStateReceived),
	string(RequestStateValidated),
	string(RequestStateApproved),
	string(RequestStateIssuing),
}

// RejectionReason identifies why a request reached the rejected state
type RejectionReason string

const (
	RejectionParticipantNotFound  RejectionReason = "ParticipantNotFound"
	RejectionParticipantNotActive RejectionReason = "ParticipantNotActive"
	RejectionDefinitionNotFound   RejectionReason = "DefinitionNotFound"
	RejectionDefinitionDisabled   RejectionReason = "DefinitionDisabled"
	RejectionClaimsRuleViolation  RejectionReason = "ClaimsRuleViolation"
	RejectionCancelled            RejectionReason = "Cancelled"
)

// IssuanceRequest tracks a single issuance request from submission to a
// terminal outcome. RequestId doubles as the caller idempotency key when
// one was supplied.
type IssuanceRequest struct {
	RequestId           string `gorm:"uniqueIndex"`
	ParticipantRef      string `gorm:"index:idx_request_pair"`
	DefinitionRef       string `gorm:"index:idx_request_pair"`
	State               string `gorm:"index"`
	SubmittedClaims     types.JSONMap `gorm:"type:text"`
	RejectionReason     string
	ResultCredentialRef string
	LastError           string
	ID                  uint `gorm:"primarykey"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (IssuanceRequest) TableName() string {
	return "issuance_request"
}

// RequestTransition is an append-only audit record of a single request
// state change. Rows are only ever inserted, in the same transaction as
// the state update they describe. An empty FromState marks the initial
// submission.
type RequestTransition struct {
	ID        uint   `gorm:"primarykey"`
	RequestId string `gorm:"index"`
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

func (RequestTransition) TableName() string {
	return "request_transition"
}
