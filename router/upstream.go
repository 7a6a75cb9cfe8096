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
	"sync"
	"time"
)

// probeWindowSize bounds the rolling window of probe outcomes kept
// per upstream for success-rate and response-time accounting.
const probeWindowSize = 20

// probeOutcome is one active health probe result.
type probeOutcome struct {
	ok      bool
	latency time.Duration
}

// Upstream is the live record for one backend inference server. Its
// identity is the canonical base URL; all mutable fields are guarded
// by mu. Records are created when a URL first appears in the config,
// survive reloads that keep the URL, and are dropped only when the
// URL leaves the config.
type Upstream struct {
	// URL is the canonical base URL and the fleet-wide key.
	// Immutable after construction.
	URL string

	mu sync.Mutex

	// declared capacity; a routing hint, not an enforced semaphore
	maxConcurrent int

	// liveness; fresh marks a record that has never been healthy,
	// which becomes routable on its first successful probe instead
	// of waiting out the auto-recovery window
	fresh            bool
	healthy          bool
	healthySince     time.Time
	unhealthySince   time.Time
	consecutiveFails int // consecutive forwarded-request failures

	// rolling probe window, newest last
	probes []probeOutcome

	// start of the current unbroken run of successful probes while
	// unhealthy; zero when no such run is in progress
	recoveryStart time.Time

	// live load, from the last successful scrape
	running       int
	waiting       int
	gpuCacheUsage float64
	lastScrape    time.Time
	scrapeOK      bool

	// model set advertised by /v1/models
	models        map[string]struct{}
	lastDiscovery time.Time
}

// NewUpstream returns a record for url. New records start unhealthy;
// they become routable only after their first successful probe.
func NewUpstream(url string, maxConcurrent int) *Upstream {
	return &Upstream{
		URL:            url,
		maxConcurrent:  maxConcurrent,
		fresh:          true,
		healthy:        false,
		unhealthySince: time.Now(),
		models:         make(map[string]struct{}),
	}
}

// UpstreamStatus is a by-value copy of an upstream's public state,
// taken under the record's mutex. Everything outside the router core
// (API handlers, logs) consumes these copies only.
type UpstreamStatus struct {
	URL               string
	MaxConcurrent     int
	Healthy           bool
	HealthySince      time.Time
	UnhealthySince    time.Time
	ConsecutiveFails  int
	SuccessRate       float64
	MeanResponseTime  time.Duration
	Running           int
	Waiting           int
	GPUCacheUsage     float64
	LastScrape        time.Time
	ScrapeOK          bool
	Models            []string
	LastDiscovery     time.Time
	AvailableCapacity int
}

// Status returns a consistent copy of the upstream's state.
func (u *Upstream) Status() UpstreamStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	models := make([]string, 0, len(u.models))
	for id := range u.models {
		models = append(models, id)
	}
	return UpstreamStatus{
		URL:               u.URL,
		MaxConcurrent:     u.maxConcurrent,
		Healthy:           u.healthy,
		HealthySince:      u.healthySince,
		UnhealthySince:    u.unhealthySince,
		ConsecutiveFails:  u.consecutiveFails,
		SuccessRate:       u.successRateLocked(),
		MeanResponseTime:  u.meanResponseTimeLocked(),
		Running:           u.running,
		Waiting:           u.waiting,
		GPUCacheUsage:     u.gpuCacheUsage,
		LastScrape:        u.lastScrape,
		ScrapeOK:          u.scrapeOK,
		Models:            models,
		LastDiscovery:     u.lastDiscovery,
		AvailableCapacity: u.availableCapacityLocked(),
	}
}

// Healthy reports the current liveness flag.
func (u *Upstream) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy
}

// MaxConcurrent returns the declared capacity.
func (u *Upstream) MaxConcurrent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.maxConcurrent
}

// SetMaxConcurrent updates the declared capacity in place. Used by
// hot reloads so liveness history survives a capacity change.
func (u *Upstream) SetMaxConcurrent(n int) {
	u.mu.Lock()
	u.maxConcurrent = n
	u.mu.Unlock()
}

// Load returns the load numbers the selector scores on.
func (u *Upstream) Load() (running, waiting, maxConcurrent int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running, u.waiting, u.maxConcurrent
}

func (u *Upstream) availableCapacityLocked() int {
	c := u.maxConcurrent - u.running
	if c < 0 {
		return 0
	}
	return c
}

// AvailableCapacity is max(0, maxConcurrent - running).
func (u *Upstream) AvailableCapacity() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.availableCapacityLocked()
}

// RecordScrape stores the result of one /metrics probe. A failed
// scrape keeps the previous load numbers; stale data still routes
// better than no data. Only the health checker flips liveness.
func (u *Upstream) RecordScrape(lm LoadMetrics, latency time.Duration, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if ok {
		u.running = lm.RequestsRunning
		u.waiting = lm.RequestsWaiting
		u.gpuCacheUsage = lm.GPUCacheUsage
		u.lastScrape = time.Now()
	}
	u.scrapeOK = ok
	u.probes = append(u.probes, probeOutcome{ok: ok, latency: latency})
	if len(u.probes) > probeWindowSize {
		u.probes = u.probes[len(u.probes)-probeWindowSize:]
	}
	if ok {
		if !u.healthy && u.recoveryStart.IsZero() {
			u.recoveryStart = time.Now()
		}
	} else {
		u.recoveryStart = time.Time{}
	}
}

// SetModels replaces the advertised model set.
func (u *Upstream) SetModels(ids []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	u.models = set
	u.lastDiscovery = time.Now()
}

// ServesModel reports whether the upstream advertises modelID.
func (u *Upstream) ServesModel(modelID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.models[modelID]
	return ok
}

// Models returns a copy of the advertised model set.
func (u *Upstream) Models() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.models))
	for id := range u.models {
		ids = append(ids, id)
	}
	return ids
}

func (u *Upstream) successRateLocked() float64 {
	if len(u.probes) == 0 {
		return 1.0
	}
	okCount := 0
	for _, p := range u.probes {
		if p.ok {
			okCount++
		}
	}
	return float64(okCount) / float64(len(u.probes))
}

// SuccessRate is the fraction of successful probes in the rolling
// window; 1.0 when no probes have been recorded yet.
func (u *Upstream) SuccessRate() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.successRateLocked()
}

func (u *Upstream) meanResponseTimeLocked() time.Duration {
	var sum time.Duration
	n := 0
	for _, p := range u.probes {
		if p.ok {
			sum += p.latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// MeanResponseTime averages the latency of successful probes in the
// rolling window.
func (u *Upstream) MeanResponseTime() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.meanResponseTimeLocked()
}

// ProbeCount returns the number of samples in the rolling window.
func (u *Upstream) ProbeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.probes)
}

// RecordRequestSuccess clears the consecutive-failure counter after a
// forwarded request completed with a non-server-error status.
func (u *Upstream) RecordRequestSuccess() {
	u.mu.Lock()
	u.consecutiveFails = 0
	u.mu.Unlock()
}

// RecordRequestFailure counts one forwarded-request failure against
// the upstream and reports whether the passive failure threshold has
// been reached. The caller hands a trip to the health policy, which
// performs the transition.
func (u *Upstream) RecordRequestFailure(threshold int) (tripped bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.consecutiveFails++
	return threshold > 0 && u.consecutiveFails >= threshold
}

// ConsecutiveFailures returns the passive failure counter.
func (u *Upstream) ConsecutiveFailures() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.consecutiveFails
}

// markHealthy flips the record to healthy. Returns false when it
// already was.
func (u *Upstream) markHealthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.healthy {
		return false
	}
	u.healthy = true
	u.fresh = false
	u.healthySince = time.Now()
	u.consecutiveFails = 0
	u.recoveryStart = time.Time{}
	return true
}

// markUnhealthy flips the record to unhealthy. Returns false when it
// already was.
func (u *Upstream) markUnhealthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.healthy {
		return false
	}
	u.healthy = false
	u.unhealthySince = time.Now()
	u.recoveryStart = time.Time{}
	return true
}

// recentProbes returns a copy of the rolling window, newest last.
func (u *Upstream) recentProbes() []probeOutcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]probeOutcome, len(u.probes))
	copy(out, u.probes)
	return out
}

// isFresh reports whether the record has never been healthy.
func (u *Upstream) isFresh() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fresh
}

// recoveringFor reports how long the current unbroken run of
// successful probes has lasted while unhealthy. Zero when healthy or
// when no successful probe has landed since the last failure.
func (u *Upstream) recoveringFor() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.healthy || u.recoveryStart.IsZero() {
		return 0
	}
	return time.Since(u.recoveryStart)
}
