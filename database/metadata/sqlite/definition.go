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

package sqlite

import (
	"errors"
	"fmt"

	"github.com/trustfabric/sigil/database/models"
	"gorm.io/gorm"
)

// GetDefinition gets a credential definition by its definition id
func (d *MetadataStoreSqlite) GetDefinition(
	definitionId string,
	txn *gorm.DB,
) (*models.CredentialDefinition, error) {
	ret := &models.CredentialDefinition{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("definition_id = ?", definitionId).First(ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrDefinitionNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// SetDefinition saves a credential definition, creating it if needed
func (d *MetadataStoreSqlite) SetDefinition(
	definition *models.CredentialDefinition,
	txn *gorm.DB,
) error {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	existing := &models.CredentialDefinition{}
	result := db.Where("definition_id = ?", definition.DefinitionId).
		First(existing)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}
		if err := db.Create(definition).Error; err != nil {
			return fmt.Errorf("failed to create definition: %w", err)
		}
		return nil
	}
	definition.ID = existing.ID
	if err := db.Save(definition).Error; err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	return nil
}

// UpdateDefinitionStatus sets the status of a credential definition
func (d *MetadataStoreSqlite) UpdateDefinitionStatus(
	definitionId string,
	newStatus string,
	txn *gorm.DB,
) (int64, error) {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	result := db.Model(&models.CredentialDefinition{}).
		Where("definition_id = ?", definitionId).
		Update("status", newStatus)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListDefinitions returns all credential definitions
func (d *MetadataStoreSqlite) ListDefinitions(
	txn *gorm.DB,
) ([]models.CredentialDefinition, error) {
	var ret []models.CredentialDefinition
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Order("definition_id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
