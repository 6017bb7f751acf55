// Copyright 2025 The Compartnet Authors.
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

// Package testutil provides helpers for tests that wait on concurrent
// state transitions.
package testutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// pollInterval is the delay between Poll attempts.
const pollInterval = time.Millisecond

// Poll retries cb until it succeeds or timeout expires.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	return backoff.Retry(cb, b)
}
