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

package issuance

import (
	"context"
	"fmt"
	"time"
)

// withRetry calls fn with exponential backoff up to the policy's bounded
// attempt count. Each attempt runs under its own timeout so a hung
// collaborator cannot block a worker indefinitely.
func (o *Orchestrator) withRetry(
	ctx context.Context,
	operation string,
	requestId string,
	fn func(context.Context) error,
) error {
	backoff := o.retryPolicy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= o.retryPolicy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(
			ctx,
			o.retryPolicy.AttemptTimeout,
		)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn(
			"transient external failure, retrying",
			"component", "issuance",
			"operation", operation,
			"request_id", requestId,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == o.retryPolicy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > o.retryPolicy.MaxBackoff {
			backoff = o.retryPolicy.MaxBackoff
		}
	}
	return fmt.Errorf(
		"%s exhausted %d attempts: %w",
		operation,
		o.retryPolicy.MaxAttempts,
		lastErr,
	)
}
