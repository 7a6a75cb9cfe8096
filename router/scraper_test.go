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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testScraperFleet(ups ...*Upstream) (*Scraper, *Fleet) {
	tuning := DefaultTuning()
	tuning.HealthCheckTimeout = 2 * time.Second
	fleet := new(Fleet)
	fleet.current.Store(&Snapshot{Upstreams: ups, Tuning: tuning})
	return NewScraper(fleet, &http.Client{}, zap.NewNop()), fleet
}

func TestScrapeUpdatesLoad(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics", r.URL.Path)
		fmt.Fprint(w, `vllm:num_requests_running 2
vllm:num_requests_waiting 5
vllm:gpu_cache_usage_perc 0.66
`)
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	s, _ := testScraperFleet(u)
	s.ScrapeFleet(context.Background())

	st := u.Status()
	assert.True(t, st.ScrapeOK)
	assert.Equal(t, 2, st.Running)
	assert.Equal(t, 5, st.Waiting)
	assert.InDelta(t, 0.66, st.GPUCacheUsage, 1e-9)
	assert.False(t, st.LastScrape.IsZero())
	assert.Equal(t, 1, u.ProbeCount())
	assert.Equal(t, 1.0, u.SuccessRate())
}

func TestScrapeFailureKeepsStaleLoad(t *testing.T) {
	var fail atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "vllm:num_requests_running 3\n")
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	s, _ := testScraperFleet(u)

	s.ScrapeFleet(context.Background())
	fail.Store(true)
	s.ScrapeFleet(context.Background())

	st := u.Status()
	assert.False(t, st.ScrapeOK)
	assert.Equal(t, 3, st.Running, "stale numbers survive a failed scrape")
	assert.Equal(t, 0.5, u.SuccessRate())
}

func TestScrapeMalformedBodyIsAFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "\x00\x01 garbage")
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	s, _ := testScraperFleet(u)
	s.ScrapeFleet(context.Background())

	st := u.Status()
	assert.False(t, st.ScrapeOK)
	assert.Equal(t, 0.0, u.SuccessRate())
}

func TestScrapeTimeoutIsAFailureNotATransition(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	u := NewUpstream(slow.URL, 4)
	u.markHealthy()
	tuning := DefaultTuning()
	tuning.HealthCheckTimeout = 50 * time.Millisecond
	fleet := new(Fleet)
	fleet.current.Store(&Snapshot{Upstreams: []*Upstream{u}, Tuning: tuning})
	s := NewScraper(fleet, &http.Client{}, zap.NewNop())
	h := NewHealthPolicy(fleet, zap.NewNop(), NewInstrumentation())

	s.ScrapeFleet(context.Background())
	h.EvaluateFleet()

	assert.False(t, u.Status().ScrapeOK)
	// the scraper records the failure; only the health checker may
	// flip liveness, and one sample is not enough
	assert.True(t, u.Healthy())
}

func TestScrapeProbesFleetInParallel(t *testing.T) {
	const n = 4
	release := make(chan struct{})
	var inflight, peak atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		fmt.Fprint(w, "vllm:num_requests_running 0\n")
	}))
	defer backend.Close()

	ups := make([]*Upstream, n)
	for i := range ups {
		// distinct base paths, same handler
		ups[i] = NewUpstream(backend.URL+fmt.Sprintf("/u%d", i), 1)
	}
	s, _ := testScraperFleet(ups...)

	done := make(chan struct{})
	go func() {
		s.ScrapeFleet(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return inflight.Load() == n }, 2*time.Second, 5*time.Millisecond)
	close(release)
	<-done
	assert.EqualValues(t, n, peak.Load())
}
