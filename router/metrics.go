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
	"bytes"
	"fmt"
	"math"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric families the scraper extracts from an upstream's /metrics.
const (
	metricRequestsRunning = "vllm:num_requests_running"
	metricRequestsWaiting = "vllm:num_requests_waiting"
	metricGPUCacheUsage   = "vllm:gpu_cache_usage_perc"
	metricMaxFDs          = "process_max_fds"
)

// LoadMetrics is the small set of gauges the router reads off each
// backend. When a family carries several samples (one per engine or
// served model), the values are summed; every engine contributes to
// fleet load independently.
type LoadMetrics struct {
	RequestsRunning int
	RequestsWaiting int
	GPUCacheUsage   float64
	MaxFDs          int
}

// MalformedMetricsError reports a /metrics body that could not be
// parsed as Prometheus text exposition, or parsed to nothing.
type MalformedMetricsError struct {
	Reason string
}

func (e *MalformedMetricsError) Error() string {
	return fmt.Sprintf("malformed metrics body: %s", e.Reason)
}

// ParseLoadMetrics parses a Prometheus text-format body and extracts
// the load gauges. Unknown families are ignored; a body with zero
// parseable families is malformed.
func ParseLoadMetrics(body []byte) (LoadMetrics, error) {
	var lm LoadMetrics
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return lm, &MalformedMetricsError{Reason: err.Error()}
	}
	if len(families) == 0 {
		return lm, &MalformedMetricsError{Reason: "no metric families"}
	}
	lm.RequestsRunning = int(sumFamily(families[metricRequestsRunning]))
	lm.RequestsWaiting = int(sumFamily(families[metricRequestsWaiting]))
	lm.GPUCacheUsage = sumFamily(families[metricGPUCacheUsage])
	lm.MaxFDs = int(sumFamily(families[metricMaxFDs]))
	return lm, nil
}

// sumFamily adds up the sample values of a family across its label
// sets, tolerating gauge, counter, and untyped encodings.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		var v float64
		switch {
		case m.GetGauge() != nil:
			v = m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			v = m.GetCounter().GetValue()
		case m.GetUntyped() != nil:
			v = m.GetUntyped().GetValue()
		}
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// EmitLoadMetrics renders lm back into Prometheus text exposition
// using the recognised family names. parse(emit(x)) == x.
func EmitLoadMetrics(lm LoadMetrics) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# TYPE %s gauge\n", metricRequestsRunning)
	fmt.Fprintf(&buf, "%s %d\n", metricRequestsRunning, lm.RequestsRunning)
	fmt.Fprintf(&buf, "# TYPE %s gauge\n", metricRequestsWaiting)
	fmt.Fprintf(&buf, "%s %d\n", metricRequestsWaiting, lm.RequestsWaiting)
	fmt.Fprintf(&buf, "# TYPE %s gauge\n", metricGPUCacheUsage)
	fmt.Fprintf(&buf, "%s %g\n", metricGPUCacheUsage, lm.GPUCacheUsage)
	fmt.Fprintf(&buf, "# TYPE %s gauge\n", metricMaxFDs)
	fmt.Fprintf(&buf, "%s %d\n", metricMaxFDs, lm.MaxFDs)
	return buf.Bytes()
}
