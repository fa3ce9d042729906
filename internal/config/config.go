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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "sigil.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultBlobPlugin      = "badger"
	DefaultMetadataPlugin  = "sqlite"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	MetadataPlugin  string `yaml:"metadataPlugin"  envconfig:"SIGIL_DATABASE_METADATA_PLUGIN"`
	BlobPlugin      string `yaml:"blobPlugin"      envconfig:"SIGIL_DATABASE_BLOB_PLUGIN"`
	DatabasePath    string `yaml:"databasePath"                                               split_words:"true"`
	BindAddr        string `yaml:"bindAddr"                                                   split_words:"true"`
	IssuerDid       string `yaml:"issuerDid"                                                  split_words:"true"`
	ShutdownTimeout string `yaml:"shutdownTimeout"                                            split_words:"true"`
	ApiPort         uint   `yaml:"apiPort"                                                    split_words:"true"`
	MetricsPort     uint   `yaml:"metricsPort"                                                split_words:"true"`
	// Issuance worker pool tuning (worker count and work queue size)
	IssuanceWorkers   int `yaml:"issuanceWorkers"   envconfig:"SIGIL_ISSUANCE_WORKERS"`
	IssuanceQueueSize int `yaml:"issuanceQueueSize" envconfig:"SIGIL_ISSUANCE_QUEUE_SIZE"`
	// Revocation sweep parallelism
	RevocationConcurrency int `yaml:"revocationConcurrency" envconfig:"SIGIL_REVOCATION_CONCURRENCY"`
	// Retry tuning for external collaborator calls
	RetryMaxAttempts    int    `yaml:"retryMaxAttempts"    envconfig:"SIGIL_RETRY_MAX_ATTEMPTS"`
	RetryInitialBackoff string `yaml:"retryInitialBackoff" envconfig:"SIGIL_RETRY_INITIAL_BACKOFF"`
	RetryMaxBackoff     string `yaml:"retryMaxBackoff"     envconfig:"SIGIL_RETRY_MAX_BACKOFF"`
	RetryAttemptTimeout string `yaml:"retryAttemptTimeout" envconfig:"SIGIL_RETRY_ATTEMPT_TIMEOUT"`
}

var globalConfig = &Config{
	BindAddr:              "0.0.0.0",
	DatabasePath:          ".sigil",
	IssuerDid:             "did:web:issuer.localhost",
	ApiPort:               8080,
	MetricsPort:           12798,
	BlobPlugin:            DefaultBlobPlugin,
	MetadataPlugin:        DefaultMetadataPlugin,
	ShutdownTimeout:       DefaultShutdownTimeout,
	IssuanceWorkers:       4,
	IssuanceQueueSize:     1000,
	RevocationConcurrency: 4,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.sigil/sigil.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".sigil", "sigil.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/sigil/sigil.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/sigil/sigil.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("sigil", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
