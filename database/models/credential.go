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
)

var ErrCredentialNotFound = errors.New("issued credential not found")

// CredentialStatus is the validity status of an issued credential. Only
// valid and revoked are stored; expired is derived at read time from
// ExpiresAt, with revocation taking precedence.
type CredentialStatus string

const (
	CredentialStatusValid   CredentialStatus = "valid"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusExpired CredentialStatus = "expired"
)

// IssuedCredential records a credential produced by a completed issuance
// request. ExpiresAt is fixed at issuance time from the definition's
// validity period; later definition changes do not alter it.
type IssuedCredential struct {
	CredentialId   string `gorm:"uniqueIndex"`
	RequestId      string `gorm:"index"`
	ParticipantRef string `gorm:"index"`
	DefinitionRef  string `gorm:"index"`
	Status         string `gorm:"index"`
	ID             uint   `gorm:"primarykey"`
	IssuedAt       time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (IssuedCredential) TableName() string {
	return "issued_credential"
}

// EffectiveStatus derives the externally visible status at the given time.
// A stored revocation always wins over expiry.
func (c *IssuedCredential) EffectiveStatus(now time.Time) CredentialStatus {
	if CredentialStatus(c.Status) == CredentialStatusRevoked {
		return CredentialStatusRevoked
	}
	if now.After(c.ExpiresAt) {
		return CredentialStatusExpired
	}
	return CredentialStatus(c.Status)
}
