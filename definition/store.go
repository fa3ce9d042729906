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

package definition

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
)

var ErrInvalidStatus = errors.New("unknown definition status")

type StoreConfig struct {
	Logger   *slog.Logger
	Database *database.Database
}

// Store is the passive policy repository for credential definitions.
// Issuance rules are evaluated by the orchestrator, not here.
type Store struct {
	config StoreConfig
	logger *slog.Logger
	db     *database.Database
}

func NewStore(config StoreConfig) *Store {
	s := &Store{
		config: config,
		db:     config.Database,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = config.Logger
	}
	return s
}

// Lookup returns the credential definition for an id
func (s *Store) Lookup(
	ctx context.Context,
	definitionId string,
) (*models.CredentialDefinition, error) {
	return s.db.Metadata().GetDefinition(definitionId, nil)
}

// List returns all credential definitions
func (s *Store) List(
	ctx context.Context,
) ([]models.CredentialDefinition, error) {
	return s.db.Metadata().ListDefinitions(nil)
}

// Save creates or updates a credential definition
func (s *Store) Save(
	ctx context.Context,
	definition *models.CredentialDefinition,
) error {
	if definition.DefinitionId == "" {
		return errors.New("definition id is required")
	}
	if definition.Status == "" {
		definition.Status = string(models.DefinitionStatusActive)
	}
	if !models.DefinitionStatus(definition.Status).Valid() {
		return ErrInvalidStatus
	}
	if err := s.db.Metadata().SetDefinition(definition, nil); err != nil {
		return err
	}
	s.logger.Info(
		"saved credential definition",
		"component", "definitions",
		"definition_id", definition.DefinitionId,
		"status", definition.Status,
	)
	return nil
}

// SetStatus enables or disables a credential definition. Disabling stops
// new issuance only; already-issued credentials are unaffected.
func (s *Store) SetStatus(
	ctx context.Context,
	definitionId string,
	status models.DefinitionStatus,
) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	rows, err := s.db.Metadata().UpdateDefinitionStatus(
		definitionId,
		string(status),
		nil,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrDefinitionNotFound
	}
	s.logger.Info(
		"credential definition status updated",
		"component", "definitions",
		"definition_id", definitionId,
		"status", status,
	)
	return nil
}
