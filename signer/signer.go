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

// Package signer produces signed credential artifacts. Artifacts are
// W3C-style verifiable credentials carrying an ecdsa-p256 data integrity
// proof: the canonical credential body is hashed with SHA-256 and signed
// with the issuer key, and the r||s signature is base64url-encoded into
// proofValue.
package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/trustfabric/sigil/issuance"
)

const (
	issuerKeyFilename = "issuer.key"

	proofType       = "DataIntegrityProof"
	proofSuite      = "ecdsa-p256"
	proofPurpose    = "assertionMethod"
	signatureLength = 64
)

type CredentialSignerConfig struct {
	Logger *slog.Logger
	// DataDir is where the issuer key is persisted. An empty DataDir
	// keeps the key in memory only, which is useful for tests
	DataDir   string
	IssuerDid string
}

// CredentialSigner signs credential artifacts with a P-256 issuer key.
// The key is loaded from DataDir on startup and generated on first run.
type CredentialSigner struct {
	config CredentialSignerConfig
	logger *slog.Logger
	key    *ecdsa.PrivateKey
}

func NewCredentialSigner(
	config CredentialSignerConfig,
) (*CredentialSigner, error) {
	s := &CredentialSigner{
		config: config,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = config.Logger
	}
	if err := s.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialSigner) loadOrGenerateKey() error {
	if s.config.DataDir == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate issuer key: %w", err)
		}
		s.key = key
		return nil
	}
	keyPath := filepath.Join(s.config.DataDir, issuerKeyFilename)
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return fmt.Errorf(
				"failed to decode issuer key PEM: %s",
				keyPath,
			)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse issuer key: %w", err)
		}
		s.key = key
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read issuer key: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate issuer key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal issuer key: %w", err)
	}
	raw = pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: der},
	)
	if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write issuer key: %w", err)
	}
	s.logger.Info(
		"generated new issuer key",
		"component", "signer",
		"path", keyPath,
	)
	s.key = key
	return nil
}

// Sign builds the credential artifact for a request and attaches a data
// integrity proof. The returned bytes are the persisted artifact.
func (s *CredentialSigner) Sign(
	ctx context.Context,
	req issuance.SignRequest,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	credential := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/credentials/v2",
		},
		"id":     "urn:uuid:" + req.CredentialId,
		"type":   []string{"VerifiableCredential", req.CredentialType},
		"issuer": s.config.IssuerDid,
		"credentialSubject": mergeSubject(
			req.ParticipantRef,
			req.Claims,
		),
		"validFrom":  req.IssuedAt.UTC().Format(time.RFC3339),
		"validUntil": req.ExpiresAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}
	digest := sha256.Sum256(body)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}
	signature := make([]byte, signatureLength)
	r.FillBytes(signature[:signatureLength/2])
	sv.FillBytes(signature[signatureLength/2:])
	credential["proof"] = map[string]any{
		"type":               proofType,
		"cryptosuite":        proofSuite,
		"created":            req.IssuedAt.UTC().Format(time.RFC3339),
		"verificationMethod": s.config.IssuerDid + "#key-1",
		"proofPurpose":       proofPurpose,
		"proofValue": "u" + base64.RawURLEncoding.EncodeToString(
			signature,
		),
	}
	artifact, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}
	return artifact, nil
}

// Verify checks the proof on an artifact produced by Sign. The proof is
// stripped, the remaining body is re-canonicalized, and the signature is
// checked against the issuer key.
func (s *CredentialSigner) Verify(artifact []byte) error {
	var credential map[string]any
	if err := json.Unmarshal(artifact, &credential); err != nil {
		return fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	proof, ok := credential["proof"].(map[string]any)
	if !ok {
		return fmt.Errorf("artifact has no proof")
	}
	proofValue, ok := proof["proofValue"].(string)
	if !ok || len(proofValue) < 2 || proofValue[0] != 'u' {
		return fmt.Errorf("artifact has malformed proofValue")
	}
	signature, err := base64.RawURLEncoding.DecodeString(proofValue[1:])
	if err != nil {
		return fmt.Errorf("failed to decode proofValue: %w", err)
	}
	if len(signature) != signatureLength {
		return fmt.Errorf(
			"unexpected signature length: %d",
			len(signature),
		)
	}
	delete(credential, "proof")
	body, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("failed to marshal credential body: %w", err)
	}
	digest := sha256.Sum256(body)
	r := new(big.Int).SetBytes(signature[:signatureLength/2])
	sv := new(big.Int).SetBytes(signature[signatureLength/2:])
	if !ecdsa.Verify(&s.key.PublicKey, digest[:], r, sv) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// PublicKeyJwk returns the issuer public key as a JWK suitable for
// embedding in the issuer DID document
func (s *CredentialSigner) PublicKeyJwk() map[string]any {
	coordLen := (s.key.Curve.Params().BitSize + 7) / 8
	x := make([]byte, coordLen)
	y := make([]byte, coordLen)
	s.key.PublicKey.X.FillBytes(x)
	s.key.PublicKey.Y.FillBytes(y)
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}

func mergeSubject(
	participantRef string,
	claims map[string]any,
) map[string]any {
	subject := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		subject[k] = v
	}
	subject["id"] = participantRef
	return subject
}
