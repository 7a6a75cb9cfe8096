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
	"testing"
	"time"

	"go.uber.org/zap"
)

func testHealthPolicy(ups ...*Upstream) (*HealthPolicy, *Fleet) {
	cfg := &Config{Tuning: DefaultTuning()}
	for _, u := range ups {
		cfg.Servers = append(cfg.Servers, ServerConfig{URL: u.URL, MaxConcurrentRequests: 1})
	}
	fleet := new(Fleet)
	fleet.current.Store(&Snapshot{Upstreams: ups, Tuning: cfg.Tuning})
	return NewHealthPolicy(fleet, zap.NewNop(), NewInstrumentation()), fleet
}

func TestSingleScrapeFailureDoesNotFlipHealthy(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, _ := testHealthPolicy(u)

	u.RecordScrape(LoadMetrics{}, time.Second, false)
	h.EvaluateFleet()

	if !u.Healthy() {
		t.Fatal("one failed scrape must not drain traffic")
	}
}

func TestLowSuccessRateTrips(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, _ := testHealthPolicy(u)

	for range 3 {
		u.RecordScrape(LoadMetrics{}, time.Second, false)
	}
	h.EvaluateFleet()

	if u.Healthy() {
		t.Fatal("success rate below threshold must trip")
	}
	if u.Status().UnhealthySince.IsZero() {
		t.Error("transition must stamp unhealthy_since")
	}
}

func TestSlowProbesTrip(t *testing.T) {
	u := NewUpstream("http://a:8000", 4)
	u.markHealthy()
	h, _ := testHealthPolicy(u)

	for range 3 {
		u.RecordScrape(LoadMetrics{}, 5*time.Second, true)
	}
	h.EvaluateFleet()

	if u.Healthy() {
		t.Fatal("mean response time above threshold must trip")
	}
}

func TestActiveHealthCheckCanBeDisabled(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, fleet := testHealthPolicy(u)
	snap := fleet.Current()
	tuning := snap.Tuning
	tuning.EnableActiveHealthCheck = false
	fleet.current.Store(&Snapshot{Upstreams: snap.Upstreams, Tuning: tuning})

	for range 5 {
		u.RecordScrape(LoadMetrics{}, time.Second, false)
	}
	h.EvaluateFleet()

	if !u.Healthy() {
		t.Fatal("probe policy must be inert when active health checking is off")
	}
}

func TestFreshUpstreamJoinsOnFirstSuccessfulProbe(t *testing.T) {
	u := NewUpstream("http://a:8000", 4)
	h, _ := testHealthPolicy(u)

	h.EvaluateFleet()
	if u.Healthy() {
		t.Fatal("must not flip healthy without a successful probe")
	}

	u.RecordScrape(LoadMetrics{}, time.Millisecond, true)
	h.EvaluateFleet()
	if !u.Healthy() {
		t.Fatal("first successful probe must make a fresh upstream routable")
	}
}

func TestTrippedUpstreamWaitsOutRecoveryWindow(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, _ := testHealthPolicy(u)
	h.TripPassive(u)
	if u.Healthy() {
		t.Fatal("passive trip must take effect immediately")
	}

	// one good probe is not enough
	u.RecordScrape(LoadMetrics{}, time.Millisecond, true)
	h.EvaluateFleet()
	if u.Healthy() {
		t.Fatal("recovery requires a sustained run, not one probe")
	}

	// backdate the recovery run past the threshold
	u.mu.Lock()
	u.recoveryStart = time.Now().Add(-2 * time.Minute)
	u.mu.Unlock()
	h.EvaluateFleet()
	if !u.Healthy() {
		t.Fatal("sustained successful probes must restore liveness")
	}
}

func TestFailedProbeResetsRecoveryRun(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, _ := testHealthPolicy(u)
	h.TripPassive(u)

	u.RecordScrape(LoadMetrics{}, time.Millisecond, true)
	u.mu.Lock()
	u.recoveryStart = time.Now().Add(-2 * time.Minute)
	u.mu.Unlock()
	u.RecordScrape(LoadMetrics{}, time.Second, false)

	h.EvaluateFleet()
	if u.Healthy() {
		t.Fatal("a failed probe must restart the recovery window")
	}
}

func TestPassiveTripAfterFailureThreshold(t *testing.T) {
	u := testUpstream(t, "http://a:8000", 4, 0, 0)
	h, _ := testHealthPolicy(u)

	threshold := DefaultTuning().FailureThreshold
	for i := 0; i < threshold; i++ {
		if u.RecordRequestFailure(threshold) {
			h.TripPassive(u)
		}
	}
	if u.Healthy() {
		t.Fatal("failure_threshold consecutive request failures must trip")
	}
}
