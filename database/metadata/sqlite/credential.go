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

// AddCredential appends a new issued credential record
func (d *MetadataStoreSqlite) AddCredential(
	credential *models.IssuedCredential,
	txn *gorm.DB,
) error {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	if err := db.Create(credential).Error; err != nil {
		return fmt.Errorf("failed to create issued credential: %w", err)
	}
	return nil
}

// GetCredential gets an issued credential by its credential id
func (d *MetadataStoreSqlite) GetCredential(
	credentialId string,
	txn *gorm.DB,
) (*models.IssuedCredential, error) {
	ret := &models.IssuedCredential{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("credential_id = ?", credentialId).First(ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrCredentialNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetCredentialsForParticipant returns issued credentials for a
// participant, optionally filtered by stored status
func (d *MetadataStoreSqlite) GetCredentialsForParticipant(
	participantRef string,
	status string,
	txn *gorm.DB,
) ([]models.IssuedCredential, error) {
	var ret []models.IssuedCredential
	if txn == nil {
		txn = d.DB()
	}
	query := txn.Where("participant_ref = ?", participantRef)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	result := query.Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateCredentialStatus atomically moves an issued credential from
// fromStatus to newStatus. The returned row count is zero when the stored
// status no longer matches fromStatus.
func (d *MetadataStoreSqlite) UpdateCredentialStatus(
	credentialId string,
	fromStatus string,
	newStatus string,
	txn *gorm.DB,
) (int64, error) {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	result := db.Model(&models.IssuedCredential{}).
		Where("credential_id = ? AND status = ?", credentialId, fromStatus).
		Update("status", newStatus)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
