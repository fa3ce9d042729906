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

// GetParticipant gets a participant by DID
func (d *MetadataStoreSqlite) GetParticipant(
	did string,
	txn *gorm.DB,
) (*models.Participant, error) {
	ret := &models.Participant{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("did = ?", did).First(ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrParticipantNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// SetParticipant saves a participant record, creating it if the DID is not
// yet known
func (d *MetadataStoreSqlite) SetParticipant(
	participant *models.Participant,
	txn *gorm.DB,
) error {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	existing := &models.Participant{}
	result := db.Where("did = ?", participant.Did).First(existing)
	if result.Error != nil {
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}
		if err := db.Create(participant).Error; err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}
		return nil
	}
	participant.ID = existing.ID
	if err := db.Save(participant).Error; err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	return nil
}

// UpdateParticipantTrustStatus atomically moves a participant's trust
// status to newStatus, provided the current status is one of fromStatuses.
// The returned row count is zero when the precondition did not hold.
func (d *MetadataStoreSqlite) UpdateParticipantTrustStatus(
	did string,
	fromStatuses []string,
	newStatus string,
	txn *gorm.DB,
) (int64, error) {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	result := db.Model(&models.Participant{}).
		Where("did = ? AND trust_status IN ?", did, fromStatuses).
		Update("trust_status", newStatus)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
