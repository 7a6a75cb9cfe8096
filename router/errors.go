// Copyright 2024 The llmrouter Authors
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

package router

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHealthyUpstream means no backend is currently routable.
	ErrNoHealthyUpstream = errors.New("no healthy upstream")

	// ErrAllAtCapacity means every routable candidate reports zero
	// available capacity. The selector still nominates the least
	// loaded one; the forwarder attempts it once rather than starve
	// a fleet whose metrics are briefly stale.
	ErrAllAtCapacity = errors.New("all upstreams at capacity")
)

// ModelNotServedError means no healthy upstream advertises the
// requested model.
type ModelNotServedError struct {
	Model string
}

func (e *ModelNotServedError) Error() string {
	return fmt.Sprintf("model %s not available", e.Model)
}

// UpstreamUnavailableError carries the last per-attempt error after
// the forwarder has exhausted its retries.
type UpstreamUnavailableError struct {
	Attempts int
	LastURL  string
	Last     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts (last: %s): %v",
		e.Attempts, e.LastURL, e.Last)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Last }
