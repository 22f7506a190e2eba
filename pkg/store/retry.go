/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

const (
	// CallTimeout bounds every individual store call.
	CallTimeout = 5 * time.Second

	retryAttempts  = 2
	retryBaseDelay = 100 * time.Millisecond
)

// WithRetry runs f with the store call timeout applied, retrying once with
// jitter on transient failure. Conflicts and validation errors pass through
// untouched; only transient infrastructure errors burn the retry budget.
func WithRetry(ctx context.Context, f func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
			defer cancel()
			return f(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxJitter(retryBaseDelay),
		retry.DelayType(retry.RandomDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
	)
}
