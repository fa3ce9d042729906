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

package blob

import (
	"fmt"
	"log/slog"

	"github.com/trustfabric/sigil/database/blob/badger"
)

// BlobStore holds opaque payloads too large or too free-form for the
// metadata store: signed credential artifacts and the published issuer DID
// document. Lookups for unknown keys return types.ErrKeyNotFound.
type BlobStore interface {
	Close() error
	Get([]byte) ([]byte, error)
	Set([]byte, []byte) error
	Delete([]byte) error
}

// New returns the BlobStore backend selected by name
func New(
	pluginName string,
	dataDir string,
	logger *slog.Logger,
) (BlobStore, error) {
	switch pluginName {
	case "badger", "":
		return badger.New(dataDir, logger)
	default:
		return nil, fmt.Errorf("unknown blob plugin: %s", pluginName)
	}
}
