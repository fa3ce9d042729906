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
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrDefinitionNotFound = errors.New("credential definition not found")

// DefinitionStatus is the issuance availability of a credential definition.
// Disabling is terminal for new issuance but does not retroactively revoke
// already-issued credentials.
type DefinitionStatus string

const (
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusDisabled DefinitionStatus = "disabled"
)

// Valid returns true if the DefinitionStatus is a known value
func (s DefinitionStatus) Valid() bool {
	switch s {
	case DefinitionStatusActive, DefinitionStatusDisabled:
		return true
	default:
		return false
	}
}

// IssuanceRules is the predicate set evaluated against an issuance request
// before a credential may be issued against the definition
type IssuanceRules struct {
	// RequiredAttributes must all be present on the participant record
	RequiredAttributes []string `json:"requiredAttributes,omitempty"`
	// ClaimsSchema is a JSON schema document applied to submitted claims
	ClaimsSchema string `json:"claimsSchema,omitempty"`
	// ManualReview holds the request at validated until an external
	// approval signal arrives. There is no implicit timeout promotion.
	ManualReview bool `json:"manualReview,omitempty"`
}

func (r IssuanceRules) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *IssuanceRules) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*r = IssuanceRules{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported type for IssuanceRules: %T", value)
	}
}

// CredentialDefinition is the policy object for a class of credentials: the
// claims schema it binds to, how long issued credentials stay valid, and
// the rules gating issuance.
type CredentialDefinition struct {
	DefinitionId    string `gorm:"uniqueIndex"`
	CredentialType  string
	SchemaRef       string
	Rules           IssuanceRules `gorm:"type:text"`
	Status          string        `gorm:"index"`
	ID              uint          `gorm:"primarykey"`
	ValiditySeconds int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (CredentialDefinition) TableName() string {
	return "credential_definition"
}

// ValidityPeriod returns the validity period as a duration
func (d *CredentialDefinition) ValidityPeriod() time.Duration {
	return time.Duration(d.ValiditySeconds) * time.Second
}
