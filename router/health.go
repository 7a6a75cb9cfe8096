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
	"time"

	"go.uber.org/zap"
)

// HealthPolicy owns every liveness transition in the fleet. The
// scraper only records probe outcomes; the forwarder only counts
// request failures. Whether an upstream is routable is decided here,
// so a single slow /metrics probe never drains traffic by itself.
type HealthPolicy struct {
	fleet   *Fleet
	logger  *zap.Logger
	metrics *Instrumentation
}

// NewHealthPolicy returns the fleet's liveness arbiter.
func NewHealthPolicy(fleet *Fleet, logger *zap.Logger, metrics *Instrumentation) *HealthPolicy {
	return &HealthPolicy{fleet: fleet, logger: logger, metrics: metrics}
}

// Run evaluates the fleet on every health-check tick until ctx is
// cancelled.
func (h *HealthPolicy) Run(ctx context.Context) error {
	for {
		interval := h.fleet.Current().Tuning.HealthCheckInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			h.EvaluateFleet()
		}
	}
}

// EvaluateFleet applies the liveness policy to every upstream in the
// current snapshot.
func (h *HealthPolicy) EvaluateFleet() {
	snap := h.fleet.Current()
	for _, u := range snap.Upstreams {
		h.Evaluate(u, snap.Tuning)
	}
}

// Evaluate applies the transition rules to one upstream:
//
//   - trip to unhealthy when the rolling success rate over at least
//     HealthCheckConsecutiveFailures samples falls below
//     HealthCheckMinSuccessRate, or the rolling mean response time
//     exceeds HealthCheckMaxResponseTime;
//   - recover to healthy only after an unbroken run of successful
//     probes lasting AutoRecoveryThreshold.
//
// A server never flips to healthy without at least one successful
// probe after becoming unhealthy.
func (h *HealthPolicy) Evaluate(u *Upstream, tuning Tuning) {
	if u.Healthy() {
		if !tuning.EnableActiveHealthCheck {
			return
		}
		if u.ProbeCount() >= tuning.HealthCheckConsecutiveFailures &&
			u.SuccessRate() < tuning.HealthCheckMinSuccessRate {
			h.transition(u, false, "success rate below threshold")
			return
		}
		if mrt := u.MeanResponseTime(); tuning.HealthCheckMaxResponseTime > 0 &&
			mrt > tuning.HealthCheckMaxResponseTime {
			h.transition(u, false, "mean response time above threshold")
		}
		return
	}

	recovering := u.recoveringFor()
	if u.isFresh() {
		// a record that has never been healthy joins the fleet on
		// its first successful probe
		if recovering > 0 {
			h.transition(u, true, "first successful probe")
		}
		return
	}
	if recovering >= tuning.AutoRecoveryThreshold {
		h.transition(u, true, "sustained successful probes")
	}
}

// TripPassive forces an upstream unhealthy after the forwarder
// attributed FailureThreshold consecutive request failures to it.
func (h *HealthPolicy) TripPassive(u *Upstream) {
	h.transition(u, false, "consecutive request failures")
}

func (h *HealthPolicy) transition(u *Upstream, healthy bool, reason string) {
	var flipped bool
	if healthy {
		flipped = u.markHealthy()
	} else {
		flipped = u.markUnhealthy()
	}
	if !flipped {
		return
	}
	h.logger.Info("upstream health transition",
		zap.String("url", u.URL),
		zap.Bool("old", !healthy),
		zap.Bool("new", healthy),
		zap.String("reason", reason))
	v := 0.0
	if healthy {
		v = 1.0
	}
	h.metrics.UpstreamHealthy.WithLabelValues(u.URL).Set(v)
}
