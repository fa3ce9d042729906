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

package ledger

import (
	"context"

	"github.com/trustfabric/sigil/database/models"
	"gorm.io/gorm"
)

// CompleteIssuance records an issued credential and moves its originating
// request from issuing to issued in a single transaction. ErrConflict is
// returned (and no credential recorded) when another actor already
// advanced the request.
func (l *Ledger) CompleteIssuance(
	ctx context.Context,
	credential *models.IssuedCredential,
) error {
	err := l.db.Metadata().DB().Transaction(func(tx *gorm.DB) error {
		rows, err := l.db.Metadata().UpdateRequestState(
			credential.RequestId,
			string(models.RequestStateIssuing),
			string(models.RequestStateIssued),
			map[string]any{
				"result_credential_ref": credential.CredentialId,
			},
			tx,
		)
		if err != nil {
			return err
		}
		if rows == 0 {
			if _, err := l.db.Metadata().GetRequest(
				credential.RequestId,
				tx,
			); err != nil {
				return err
			}
			return ErrConflict
		}
		if err := l.db.Metadata().AddCredential(credential, tx); err != nil {
			return err
		}
		return l.db.Metadata().AddRequestTransition(
			&models.RequestTransition{
				RequestId: credential.RequestId,
				FromState: string(models.RequestStateIssuing),
				ToState:   string(models.RequestStateIssued),
			},
			tx,
		)
	})
	if err != nil {
		return err
	}
	l.recordTransition(
		credential.RequestId,
		models.RequestStateIssuing,
		models.RequestStateIssued,
	)
	return nil
}

// GetCredential returns the issued credential for a credential id
func (l *Ledger) GetCredential(
	ctx context.Context,
	credentialId string,
) (*models.IssuedCredential, error) {
	return l.db.Metadata().GetCredential(credentialId, nil)
}

// CredentialsForParticipant returns issued credentials for a participant,
// optionally filtered by stored status
func (l *Ledger) CredentialsForParticipant(
	ctx context.Context,
	participantRef string,
	status models.CredentialStatus,
) ([]models.IssuedCredential, error) {
	return l.db.Metadata().GetCredentialsForParticipant(
		participantRef,
		string(status),
		nil,
	)
}

// RevokeCredential moves an issued credential from valid to revoked. The
// first return value reports whether this call performed the revocation;
// false with a nil error means the credential was already revoked, which
// keeps revocation sweeps idempotent under redelivered trust-change
// events.
func (l *Ledger) RevokeCredential(
	ctx context.Context,
	credentialId string,
) (bool, error) {
	rows, err := l.db.Metadata().UpdateCredentialStatus(
		credentialId,
		string(models.CredentialStatusValid),
		string(models.CredentialStatusRevoked),
		nil,
	)
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Either unknown or already revoked
		if _, err := l.db.Metadata().GetCredential(
			credentialId,
			nil,
		); err != nil {
			return false, err
		}
		return false, nil
	}
	l.logger.Info(
		"revoked credential",
		"component", "ledger",
		"credential_id", credentialId,
	)
	return true, nil
}
