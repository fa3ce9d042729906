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

package types

import "errors"

// ErrKeyNotFound is returned by blob store lookups for unknown keys
var ErrKeyNotFound = errors.New("key not found")

// ErrBlobStoreUnavailable is returned when the blob store is closed
var ErrBlobStoreUnavailable = errors.New("blob store unavailable")
