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

// AddRequest appends a new issuance request record
func (d *MetadataStoreSqlite) AddRequest(
	request *models.IssuanceRequest,
	txn *gorm.DB,
) error {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	if err := db.Create(request).Error; err != nil {
		return fmt.Errorf("failed to create issuance request: %w", err)
	}
	return nil
}

// GetRequest gets an issuance request by its request id
func (d *MetadataStoreSqlite) GetRequest(
	requestId string,
	txn *gorm.DB,
) (*models.IssuanceRequest, error) {
	ret := &models.IssuanceRequest{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("request_id = ?", requestId).First(ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrRequestNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetActiveRequestForPair returns the non-terminal issuance request for the
// given (participant, definition) pair, or nil when none exists. The
// one-in-flight invariant means at most one row can match.
func (d *MetadataStoreSqlite) GetActiveRequestForPair(
	participantRef string,
	definitionRef string,
	txn *gorm.DB,
) (*models.IssuanceRequest, error) {
	ret := &models.IssuanceRequest{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where(
		"participant_ref = ? AND definition_ref = ? AND state IN ?",
		participantRef,
		definitionRef,
		models.NonTerminalRequestStates,
	).First(ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// UpdateRequestState atomically moves a request from fromState to newState
// along with any additional column updates. The returned row count is zero
// when the stored state no longer matches fromState.
func (d *MetadataStoreSqlite) UpdateRequestState(
	requestId string,
	fromState string,
	newState string,
	updates map[string]any,
	txn *gorm.DB,
) (int64, error) {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	allUpdates := map[string]any{
		"state": newState,
	}
	for k, v := range updates {
		allUpdates[k] = v
	}
	result := db.Model(&models.IssuanceRequest{}).
		Where("request_id = ? AND state = ?", requestId, fromState).
		Updates(allUpdates)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListRequestsInStates returns all issuance requests currently in one of
// the given states, oldest first
func (d *MetadataStoreSqlite) ListRequestsInStates(
	states []string,
	txn *gorm.DB,
) ([]models.IssuanceRequest, error) {
	var ret []models.IssuanceRequest
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("state IN ?", states).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// AddRequestTransition appends an audit record for a request state change
func (d *MetadataStoreSqlite) AddRequestTransition(
	transition *models.RequestTransition,
	txn *gorm.DB,
) error {
	db := d.DB()
	if txn != nil {
		db = txn
	}
	if err := db.Create(transition).Error; err != nil {
		return fmt.Errorf("failed to create request transition: %w", err)
	}
	return nil
}

// GetRequestTransitions returns the audit records for an issuance request,
// oldest first
func (d *MetadataStoreSqlite) GetRequestTransitions(
	requestId string,
	txn *gorm.DB,
) ([]models.RequestTransition, error) {
	var ret []models.RequestTransition
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Where("request_id = ?", requestId).Order("id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
