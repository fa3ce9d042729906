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

var ErrParticipantNotFound = errors.New("participant not found")

// TrustStatus is the trust standing of a participant within the trust
// framework. Transitions are monotonic downward except that active and
// suspended may toggle. Revoked is terminal.
type TrustStatus string

const (
	TrustStatusActive    TrustStatus = "active"
	TrustStatusSuspended TrustStatus = "suspended"
	TrustStatusRevoked   TrustStatus = "revoked"
)

// Valid returns true if the TrustStatus is a known value
func (s TrustStatus) Valid() bool {
	switch s {
	case TrustStatusActive, TrustStatusSuspended, TrustStatusRevoked:
		return true
	default:
		return false
	}
}

// Participant is an onboarded member of the trust framework, identified by
// its DID. The DID is immutable once assigned.
type Participant struct {
	Did         string `gorm:"uniqueIndex"`
	Name        string
	Attributes  types.JSONMap `gorm:"type:text"`
	TrustStatus string        `gorm:"index"`
	ID          uint          `gorm:"primarykey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Participant) TableName() string {
	return "participant"
}
