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

package metadata

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trustfabric/sigil/database/metadata/sqlite"
	"github.com/trustfabric/sigil/database/models"
	"gorm.io/gorm"
)

// MetadataStore is the persistence contract required by the registry,
// definition store, and ledger. Implementations must provide atomic
// compare-and-set semantics on the Update* methods: the update applies only
// when the stored value still matches the expected prior value, and the
// returned row count tells the caller whether it did.
type MetadataStore interface {
	// Database
	Close() error
	DB() *gorm.DB
	Transaction() *gorm.DB

	// Participants
	GetParticipant(
		string, // did
		*gorm.DB,
	) (*models.Participant, error)
	SetParticipant(*models.Participant, *gorm.DB) error
	UpdateParticipantTrustStatus(
		string, // did
		[]string, // expected current statuses
		string, // new status
		*gorm.DB,
	) (int64, error)

	// Credential definitions
	GetDefinition(
		string, // definitionId
		*gorm.DB,
	) (*models.CredentialDefinition, error)
	SetDefinition(*models.CredentialDefinition, *gorm.DB) error
	UpdateDefinitionStatus(
		string, // definitionId
		string, // new status
		*gorm.DB,
	) (int64, error)
	ListDefinitions(*gorm.DB) ([]models.CredentialDefinition, error)

	// Issuance requests
	AddRequest(*models.IssuanceRequest, *gorm.DB) error
	GetRequest(
		string, // requestId
		*gorm.DB,
	) (*models.IssuanceRequest, error)
	GetActiveRequestForPair(
		string, // participantRef
		string, // definitionRef
		*gorm.DB,
	) (*models.IssuanceRequest, error)
	UpdateRequestState(
		string, // requestId
		string, // expected current state
		string, // new state
		map[string]any, // additional column updates
		*gorm.DB,
	) (int64, error)
	ListRequestsInStates([]string, *gorm.DB) ([]models.IssuanceRequest, error)
	AddRequestTransition(*models.RequestTransition, *gorm.DB) error
	GetRequestTransitions(
		string, // requestId
		*gorm.DB,
	) ([]models.RequestTransition, error)

	// Issued credentials
	AddCredential(*models.IssuedCredential, *gorm.DB) error
	GetCredential(
		string, // credentialId
		*gorm.DB,
	) (*models.IssuedCredential, error)
	GetCredentialsForParticipant(
		string, // participantRef
		string, // status filter, empty for all
		*gorm.DB,
	) ([]models.IssuedCredential, error)
	UpdateCredentialStatus(
		string, // credentialId
		string, // expected current status
		string, // new status
		*gorm.DB,
	) (int64, error)
}

// New returns the MetadataStore backend selected by name
func New(
	pluginName string,
	dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (MetadataStore, error) {
	switch pluginName {
	case "sqlite", "":
		return sqlite.New(dataDir, logger, promRegistry)
	default:
		return nil, fmt.Errorf("unknown metadata plugin: %s", pluginName)
	}
}
