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
	"github.com/prometheus/client_golang/prometheus"
)

// Instrumentation holds the router's own Prometheus collectors,
// registered against a private registry created per instance, so
// tests get isolated ones.
type Instrumentation struct {
	Registry *prometheus.Registry

	// RequestsTotal counts inbound forward-mode requests by path and
	// terminal outcome.
	RequestsTotal *prometheus.CounterVec

	// AttemptsTotal counts individual forwarding attempts by
	// upstream and result.
	AttemptsTotal *prometheus.CounterVec

	// RetriesTotal counts attempts beyond the first.
	RetriesTotal prometheus.Counter

	// UpstreamHealthy is 1 when the upstream is routable.
	UpstreamHealthy *prometheus.GaugeVec
}

// NewInstrumentation builds and registers the router collectors.
func NewInstrumentation() *Instrumentation {
	reg := prometheus.NewRegistry()
	m := &Instrumentation{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "requests_total",
			Help:      "Inbound forward-mode requests by path and outcome.",
		}, []string{"path", "outcome"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "upstream_attempts_total",
			Help:      "Forwarding attempts by upstream and result.",
		}, []string{"upstream", "result"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter",
			Name:      "retries_total",
			Help:      "Forwarding attempts beyond the first.",
		}),
		UpstreamHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmrouter",
			Name:      "upstream_healthy",
			Help:      "Whether the upstream is currently routable.",
		}, []string{"upstream"}),
	}
	reg.MustRegister(m.RequestsTotal, m.AttemptsTotal, m.RetriesTotal, m.UpstreamHealthy)
	return m
}
