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

// Package didpub publishes credential status and the issuer DID document.
// The local publisher writes both into the blob store, which backs the
// public status and DID document endpoints. A remote status-list service
// would slot in behind the same interface.
package didpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/trustfabric/sigil/database"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/database/types"
)

const (
	statusKeyPrefix = "status/"
	issuerDocKey    = "diddoc/issuer"
)

// StatusEntry is the published status record for a single credential
type StatusEntry struct {
	CredentialId string                  `json:"credentialId"`
	Status       models.CredentialStatus `json:"status"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

type LocalPublisherConfig struct {
	Logger    *slog.Logger
	Database  *database.Database
	IssuerDid string
}

// LocalPublisher persists status entries and the issuer DID document in
// the blob store
type LocalPublisher struct {
	config LocalPublisherConfig
	logger *slog.Logger
	db     *database.Database
}

func NewLocalPublisher(config LocalPublisherConfig) *LocalPublisher {
	p := &LocalPublisher{
		config: config,
		db:     config.Database,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		p.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		p.logger = config.Logger
	}
	return p
}

func (p *LocalPublisher) PublishStatus(
	ctx context.Context,
	credentialId string,
	status models.CredentialStatus,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := StatusEntry{
		CredentialId: credentialId,
		Status:       status,
		UpdatedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal status entry: %w", err)
	}
	if err := p.db.Blob().Set(
		statusKeyBytes(credentialId),
		raw,
	); err != nil {
		return fmt.Errorf("failed to store status entry: %w", err)
	}
	p.logger.Debug(
		"published credential status",
		"component", "didpub",
		"credential_id", credentialId,
		"status", status,
	)
	return nil
}

func (p *LocalPublisher) PublishIssuerDocument(
	ctx context.Context,
	doc []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.db.Blob().Set([]byte(issuerDocKey), doc); err != nil {
		return fmt.Errorf("failed to store issuer document: %w", err)
	}
	p.logger.Info(
		"published issuer DID document",
		"component", "didpub",
		"did", p.config.IssuerDid,
	)
	return nil
}

// Status returns the published status entry for a credential. A missing
// entry is reported as models.ErrCredentialNotFound so callers can map
// it the same way as ledger lookups.
func (p *LocalPublisher) Status(
	credentialId string,
) (*StatusEntry, error) {
	raw, err := p.db.Blob().Get(statusKeyBytes(credentialId))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil, models.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to read status entry: %w", err)
	}
	var entry StatusEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf(
			"failed to unmarshal status entry: %w",
			err,
		)
	}
	return &entry, nil
}

// IssuerDocument returns the published issuer DID document
func (p *LocalPublisher) IssuerDocument() ([]byte, error) {
	raw, err := p.db.Blob().Get([]byte(issuerDocKey))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil, types.ErrKeyNotFound
		}
		return nil, fmt.Errorf(
			"failed to read issuer document: %w",
			err,
		)
	}
	return raw, nil
}

// BuildIssuerDocument renders the issuer DID document from the issuer
// DID and its public signing key
func BuildIssuerDocument(
	issuerDid string,
	publicKeyJwk map[string]any,
) ([]byte, error) {
	keyId := issuerDid + "#key-1"
	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/jwk/v1",
		},
		"id": issuerDid,
		"verificationMethod": []map[string]any{
			{
				"id":           keyId,
				"type":         "JsonWebKey2020",
				"controller":   issuerDid,
				"publicKeyJwk": publicKeyJwk,
			},
		},
		"assertionMethod": []string{keyId},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to marshal issuer document: %w",
			err,
		)
	}
	return raw, nil
}

func statusKeyBytes(credentialId string) []byte {
	return []byte(statusKeyPrefix + credentialId)
}
