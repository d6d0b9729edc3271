// Copyright 2025 UMH Systems GmbH
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

package backoff

import (
	"context"
	"errors"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted wraps the last transient error once all attempts are used up.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy configures Retry.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy mirrors the source rate-limit window: ten attempts, one minute apart at most.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     10,
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
	}
}

func (p Policy) newBackOff(ctx context.Context) cbackoff.BackOff {
	eb := cbackoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return cbackoff.WithContext(cbackoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retry calls op until it succeeds or returns an error that is not transient.
// Non-transient errors are returned unchanged. When the attempts are used up the
// last transient error is returned wrapped with ErrRetriesExhausted.
// notify, if set, is called before every retry.
func Retry(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}

		if !IsTransientError(err) {
			return cbackoff.Permanent(err)
		}

		return err
	}

	err := cbackoff.RetryNotify(operation, p.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	if IsTransientError(err) {
		return errors.Join(ErrRetriesExhausted, err)
	}

	return err
}
