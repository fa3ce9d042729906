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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func resetGlobalConfig() {
	globalConfig = &Config{
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
}

func TestLoad_CompareFullStruct(t *testing.T) {
	resetGlobalConfig()
	yamlContent := `
metadataPlugin: "sqlite"
blobPlugin: "badger"
databasePath: "/var/lib/sigil"
bindAddr: "127.0.0.1"
issuerDid: "did:web:issuer.example"
shutdownTimeout: "10s"
apiPort: 8088
metricsPort: 9108
issuanceWorkers: 8
issuanceQueueSize: 500
revocationConcurrency: 2
retryMaxAttempts: 3
retryInitialBackoff: "50ms"
retryMaxBackoff: "2s"
retryAttemptTimeout: "5s"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-sigil.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	defer os.Remove(tmpFile)

	expected := &Config{
		MetadataPlugin:        "sqlite",
		BlobPlugin:            "badger",
		DatabasePath:          "/var/lib/sigil",
		BindAddr:              "127.0.0.1",
		IssuerDid:             "did:web:issuer.example",
		ShutdownTimeout:       "10s",
		ApiPort:               8088,
		MetricsPort:           9108,
		IssuanceWorkers:       8,
		IssuanceQueueSize:     500,
		RevocationConcurrency: 2,
		RetryMaxAttempts:      3,
		RetryInitialBackoff:   "50ms",
		RetryMaxBackoff:       "2s",
		RetryAttemptTimeout:   "5s",
	}

	actual, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf(
			"Loaded config does not match expected.\nActual: %+v\nExpected: %+v",
			actual,
			expected,
		)
	}
}

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	resetGlobalConfig()

	// Without Config file
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Expected is the original default values from globalConfig
	expected := &Config{
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

	if !reflect.DeepEqual(cfg, expected) {
		t.Errorf(
			"config mismatch without file:\nExpected: %+v\nGot:      %+v",
			expected,
			cfg,
		)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	resetGlobalConfig()

	yamlContent := `
issuerDid: "did:web:file.example"
apiPort: 8088
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-env-override.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("SIGIL_ISSUER_DID", "did:web:env.example")
	t.Setenv("SIGIL_ISSUANCE_WORKERS", "16")

	cfg, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.IssuerDid != "did:web:env.example" {
		t.Errorf(
			"expected IssuerDid from environment, got: %s",
			cfg.IssuerDid,
		)
	}
	if cfg.ApiPort != 8088 {
		t.Errorf("expected ApiPort from file, got: %d", cfg.ApiPort)
	}
	if cfg.IssuanceWorkers != 16 {
		t.Errorf(
			"expected IssuanceWorkers from environment, got: %d",
			cfg.IssuanceWorkers,
		)
	}
}

func TestLoad_WithRetryTuning(t *testing.T) {
	resetGlobalConfig()

	yamlContent := `
retryMaxAttempts: 7
retryInitialBackoff: "250ms"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test-retry-tuning.yaml")

	err := os.WriteFile(tmpFile, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(tmpFile)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.RetryMaxAttempts != 7 {
		t.Errorf("expected RetryMaxAttempts to be 7, got: %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialBackoff != "250ms" {
		t.Errorf("expected RetryInitialBackoff to be 250ms, got: %s", cfg.RetryInitialBackoff)
	}
}
