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

package sigil

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trustfabric/sigil/issuance"
)

type Config struct {
	promRegistry     prometheus.Registerer
	logger           *slog.Logger
	dataDir          string
	blobPlugin       string
	metadataPlugin   string
	issuerDid        string
	apiListenAddress string
	workers          int
	queueSize        int
	sweepConcurrency int
	retryPolicy      issuance.RetryPolicy
	shutdownTimeout  time.Duration
	publishIssuerDoc bool
}

func (n *Node) configValidate() error {
	if n.config.issuerDid == "" {
		return errors.New("issuer DID is required")
	}
	if n.config.apiListenAddress == "" {
		return errors.New("no API listen address defined")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new sigil config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:           slog.New(slog.NewJSONHandler(io.Discard, nil)),
		publishIssuerDoc: true,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithBlobPlugin specifies the blob storage plugin to use.
func WithBlobPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.blobPlugin = plugin
	}
}

// WithMetadataPlugin specifies the metadata storage plugin to use.
func WithMetadataPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = plugin
	}
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithIssuerDid specifies the DID the service issues credentials under
func WithIssuerDid(did string) ConfigOptionFunc {
	return func(c *Config) {
		c.issuerDid = did
	}
}

// WithApiListenAddress specifies the listen address for the REST API server
func WithApiListenAddress(addr string) ConfigOptionFunc {
	return func(c *Config) {
		c.apiListenAddress = addr
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithIssuanceWorkers specifies the orchestrator worker pool size
func WithIssuanceWorkers(workers int) ConfigOptionFunc {
	return func(c *Config) {
		c.workers = workers
	}
}

// WithIssuanceQueueSize specifies the orchestrator work queue capacity
func WithIssuanceQueueSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.queueSize = size
	}
}

// WithRevocationSweepConcurrency specifies how many credentials a
// revocation sweep processes in parallel
func WithRevocationSweepConcurrency(concurrency int) ConfigOptionFunc {
	return func(c *Config) {
		c.sweepConcurrency = concurrency
	}
}

// WithRetryPolicy specifies the retry policy for external collaborator
// calls (signing and status publication)
func WithRetryPolicy(policy issuance.RetryPolicy) ConfigOptionFunc {
	return func(c *Config) {
		c.retryPolicy = policy
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithIssuerDocumentPublication specifies whether to publish the issuer
// DID document at startup. This is enabled by default
func WithIssuerDocumentPublication(enabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.publishIssuerDoc = enabled
	}
}
