// Copyright 2025 Poiesic Systems
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


package ingestion

import (
	"context"
	"log/slog"
	"time"
)

// maxBackoffShift keeps doubling from overflowing time.Duration.
const maxBackoffShift = 30

// RetryPolicy bounds retries of a transient operation. The wait before
// attempt n+1 is BaseDelay doubled n-1 times, capped at MaxDelay when set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes three attempts starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

// Validate reports whether the policy can run at all.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

// Backoff returns the wait after failed attempt n (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	shift := min(attempt-1, maxBackoffShift)
	delay := p.BaseDelay << shift
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs operation until it succeeds, the attempts run out, or ctx ends.
// It returns the last operation error, or ctx.Err() when canceled. Attempts
// are logged at debug level on logger, which may be nil.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, operation func() error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = operation(); err == nil {
			if attempt > 1 {
				logger.Debug("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if attempt == p.MaxAttempts {
			return err
		}

		delay := p.Backoff(attempt)
		logger.Debug("attempt failed", "attempt", attempt, "max_attempts", p.MaxAttempts, "retry_in", delay, "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
