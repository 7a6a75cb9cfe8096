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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDiscoverer(ups ...*Upstream) *Discoverer {
	fleet := new(Fleet)
	fleet.current.Store(&Snapshot{Upstreams: ups, Tuning: DefaultTuning()})
	return NewDiscoverer(fleet, &http.Client{}, zap.NewNop())
}

func TestDiscoverFetchesModelSet(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m1","object":"model"},{"id":"m2","object":"model"}]}`)
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	d := testDiscoverer(u)
	d.DiscoverFleet(context.Background())

	assert.True(t, u.ServesModel("m1"))
	assert.True(t, u.ServesModel("m2"))
	assert.False(t, u.ServesModel("m3"))
	assert.False(t, u.Status().LastDiscovery.IsZero())
}

func TestDiscoverFailureRetainsPreviousSet(t *testing.T) {
	var fail atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"m1"}]}`)
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	d := testDiscoverer(u)

	d.DiscoverFleet(context.Background())
	require.True(t, u.ServesModel("m1"))

	fail.Store(true)
	d.DiscoverFleet(context.Background())
	assert.True(t, u.ServesModel("m1"), "a failed discovery keeps the last-known set")
}

func TestDiscoverMalformedEnvelope(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json at all`)
	}))
	defer backend.Close()

	u := NewUpstream(backend.URL, 4)
	u.SetModels([]string{"old"})
	d := testDiscoverer(u)
	d.DiscoverFleet(context.Background())

	assert.True(t, u.ServesModel("old"))
}
