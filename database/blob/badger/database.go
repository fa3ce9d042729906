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

package badger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/trustfabric/sigil/database/types"
)

const (
	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// BlobStoreBadger stores opaque payloads in badger. Data is not persisted
// when dataDir is empty.
type BlobStoreBadger struct {
	db      *badger.DB
	logger  *slog.Logger
	dataDir string
	gcTimer *time.Timer
	gcMutex sync.Mutex
	closed  bool
}

// New creates a badger-backed blob store. Uses an in-memory database if
// dataDir is empty.
func New(
	dataDir string,
	logger *slog.Logger,
) (*BlobStoreBadger, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var opts badger.Options
	if dataDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		blobDir := filepath.Join(dataDir, "blob")
		opts = badger.DefaultOptions(blobDir)
	}
	opts = opts.WithLogger(newBadgerLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	b := &BlobStoreBadger{
		db:      db,
		logger:  logger,
		dataDir: dataDir,
	}
	if dataDir != "" {
		b.scheduleGc()
	}
	return b, nil
}

// scheduleGc schedules periodic badger value log garbage collection
func (b *BlobStoreBadger) scheduleGc() {
	b.gcMutex.Lock()
	defer b.gcMutex.Unlock()
	if b.closed {
		return
	}
	if b.gcTimer != nil {
		b.gcTimer.Stop()
	}
	b.gcTimer = time.AfterFunc(gcInterval, func() {
		defer b.scheduleGc()
		// Repeat GC until it reports nothing left to collect
		for {
			if err := b.db.RunValueLogGC(gcDiscardRatio); err != nil {
				if !errors.Is(err, badger.ErrNoRewrite) {
					b.logger.Error(
						"blob store garbage collection failure",
						"component", "database",
						"error", err,
					)
				}
				break
			}
		}
	})
}

// Get returns the value stored under the given key
func (b *BlobStoreBadger) Get(key []byte) ([]byte, error) {
	var ret []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		ret, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, types.ErrKeyNotFound
		}
		return nil, err
	}
	return ret, nil
}

// Set stores a value under the given key
func (b *BlobStoreBadger) Set(key []byte, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes the value stored under the given key
func (b *BlobStoreBadger) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Close stops background garbage collection and closes the database
func (b *BlobStoreBadger) Close() error {
	b.gcMutex.Lock()
	b.closed = true
	if b.gcTimer != nil {
		b.gcTimer.Stop()
	}
	b.gcMutex.Unlock()
	return b.db.Close()
}

// badgerLogger adapts badger's logging interface onto slog
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logf(l.logger.Error, format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logf(l.logger.Warn, format, args...)
}

func (l *badgerLogger) Infof(format string, args ...any) {
	// Badger is chatty at info level, keep it at debug
	l.logf(l.logger.Debug, format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logf(l.logger.Debug, format, args...)
}

func (l *badgerLogger) logf(
	fn func(string, ...any),
	format string,
	args ...any,
) {
	fn(
		strings.TrimSpace(fmt.Sprintf(format, args...)),
		"component", "blobstore",
	)
}
