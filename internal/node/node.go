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

package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trustfabric/sigil"
	"github.com/trustfabric/sigil/internal/config"
	"github.com/trustfabric/sigil/issuance"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}
	retryPolicy, err := retryPolicyFromConfig(cfg)
	if err != nil {
		return err
	}

	s, err := sigil.New(
		sigil.NewConfig(
			sigil.WithLogger(logger),
			sigil.WithDatabasePath(cfg.DatabasePath),
			sigil.WithBlobPlugin(cfg.BlobPlugin),
			sigil.WithMetadataPlugin(cfg.MetadataPlugin),
			sigil.WithIssuerDid(cfg.IssuerDid),
			sigil.WithApiListenAddress(fmt.Sprintf(
				"%s:%d",
				cfg.BindAddr,
				cfg.ApiPort,
			)),
			sigil.WithIssuanceWorkers(cfg.IssuanceWorkers),
			sigil.WithIssuanceQueueSize(cfg.IssuanceQueueSize),
			sigil.WithRevocationSweepConcurrency(cfg.RevocationConcurrency),
			sigil.WithRetryPolicy(retryPolicy),
			sigil.WithShutdownTimeout(shutdownTimeout),
			// Enable metrics with default prometheus registry
			sigil.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		),
	)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		//nolint:contextcheck
		err := s.Run(signalCtx)
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown node
		if err := s.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("node stopped")
			// Graceful cleanup
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				shutdownTimeout,
			)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
			if err := s.Stop(); err != nil {
				logger.Error("shutdown errors occurred", "error", err)
				return err
			}
			return nil
		}
		logger.Error("node error", "error", err)
		signalCtxStop()

		// Shutdown node resources
		if stopErr := s.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}

		// Cleanup on error
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("metrics server shutdown error", "error", shutdownErr)
		}

		return err
	}
}

// retryPolicyFromConfig builds the collaborator retry policy from config,
// leaving zero values for the orchestrator defaults to fill in
func retryPolicyFromConfig(
	cfg *config.Config,
) (issuance.RetryPolicy, error) {
	policy := issuance.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
	}
	var err error
	if cfg.RetryInitialBackoff != "" {
		policy.InitialBackoff, err = time.ParseDuration(
			cfg.RetryInitialBackoff,
		)
		if err != nil {
			return policy, fmt.Errorf(
				"invalid retry initial backoff: %w",
				err,
			)
		}
	}
	if cfg.RetryMaxBackoff != "" {
		policy.MaxBackoff, err = time.ParseDuration(cfg.RetryMaxBackoff)
		if err != nil {
			return policy, fmt.Errorf("invalid retry max backoff: %w", err)
		}
	}
	if cfg.RetryAttemptTimeout != "" {
		policy.AttemptTimeout, err = time.ParseDuration(
			cfg.RetryAttemptTimeout,
		)
		if err != nil {
			return policy, fmt.Errorf(
				"invalid retry attempt timeout: %w",
				err,
			)
		}
	}
	return policy, nil
}
