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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP vllm:num_requests_running Number of requests currently running.
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{model_name="m1"} 3
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{model_name="m1"} 2
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc{model_name="m1"} 0.42
# TYPE process_max_fds gauge
process_max_fds 1024
# TYPE some_other_metric counter
some_other_metric 99
`

func TestParseLoadMetrics(t *testing.T) {
	lm, err := ParseLoadMetrics([]byte(sampleMetrics))
	require.NoError(t, err)
	assert.Equal(t, 3, lm.RequestsRunning)
	assert.Equal(t, 2, lm.RequestsWaiting)
	assert.InDelta(t, 0.42, lm.GPUCacheUsage, 1e-9)
	assert.Equal(t, 1024, lm.MaxFDs)
}

func TestParseLoadMetricsSumsAcrossLabels(t *testing.T) {
	// two engines report under the same family; each contributes to
	// fleet load independently
	body := `# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{engine="0",model_name="m1"} 2
vllm:num_requests_running{engine="1",model_name="m2"} 5
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{engine="0"} 1
vllm:num_requests_waiting{engine="1"} 1
`
	lm, err := ParseLoadMetrics([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 7, lm.RequestsRunning)
	assert.Equal(t, 2, lm.RequestsWaiting)
}

func TestParseLoadMetricsMissingFamiliesAreZero(t *testing.T) {
	lm, err := ParseLoadMetrics([]byte("# TYPE up gauge\nup 1\n"))
	require.NoError(t, err)
	assert.Zero(t, lm.RequestsRunning)
	assert.Zero(t, lm.RequestsWaiting)
}

func TestParseLoadMetricsMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"binary": "\x00\x01\x02 not metrics",
		"syntax": "vllm:num_requests_running{unclosed 3\n",
		"empty":  "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLoadMetrics([]byte(body))
			var merr *MalformedMetricsError
			require.True(t, errors.As(err, &merr), "want MalformedMetricsError, got %v", err)
		})
	}
}

func TestLoadMetricsRoundTrip(t *testing.T) {
	for _, lm := range []LoadMetrics{
		{},
		{RequestsRunning: 1, RequestsWaiting: 2, GPUCacheUsage: 0.5, MaxFDs: 1024},
		{RequestsRunning: 100, RequestsWaiting: 0, GPUCacheUsage: 0.0125, MaxFDs: 65536},
	} {
		got, err := ParseLoadMetrics(EmitLoadMetrics(lm))
		require.NoError(t, err)
		assert.Equal(t, lm, got)
	}
}
