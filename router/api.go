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
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is stamped at build time.
var Version = "dev"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Handler assembles the public HTTP surface: the OpenAI-compatible
// forward paths plus the introspection endpoints.
func (rt *Router) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/v1/chat/completions", rt.forwarder.ServeHTTP)
	mux.Post("/v1/completions", rt.forwarder.ServeHTTP)
	mux.Post("/v1/embeddings", rt.forwarder.ServeHTTP)

	mux.Get("/v1/models", rt.handleModels)
	mux.Get("/health", rt.handleHealth)
	mux.Get("/load-stats", rt.handleLoadStats)
	mux.Get("/", rt.handleRoot)
	mux.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(rt.metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

func (rt *Router) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "llmrouter",
		"version": Version,
	})
}

// handleModels returns the de-duplicated, sorted union of every
// healthy upstream's model set in the OpenAI list envelope.
func (rt *Router) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := rt.fleet.Current()
	set := make(map[string]struct{})
	for _, u := range snap.Upstreams {
		if !u.Healthy() {
			continue
		}
		for _, id := range u.Models() {
			set[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		data = append(data, modelEntry{ID: id, Object: "model", OwnedBy: "llmrouter"})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

type serverHealth struct {
	URL                string  `json:"url"`
	Healthy            bool    `json:"healthy"`
	LastScrapeAt       string  `json:"last_scrape_at,omitempty"`
	SuccessRate        float64 `json:"success_rate"`
	MeanResponseTimeMS float64 `json:"mean_response_time_ms"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := rt.fleet.Current()
	servers := make([]serverHealth, 0, len(snap.Upstreams))
	healthyCount := 0
	for _, u := range snap.Upstreams {
		st := u.Status()
		if st.Healthy {
			healthyCount++
		}
		sh := serverHealth{
			URL:                st.URL,
			Healthy:            st.Healthy,
			SuccessRate:        st.SuccessRate,
			MeanResponseTimeMS: float64(st.MeanResponseTime) / float64(time.Millisecond),
		}
		if !st.LastScrape.IsZero() {
			sh.LastScrapeAt = st.LastScrape.UTC().Format(time.RFC3339)
		}
		servers = append(servers, sh)
	}
	status := "healthy"
	if healthyCount == 0 {
		status = "unhealthy"
	} else if healthyCount < len(servers) {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"total_servers":   len(servers),
		"healthy_servers": healthyCount,
		"servers":         servers,
	})
}

type serverLoad struct {
	URL                string  `json:"url"`
	CurrentLoad        int     `json:"current_load"`
	Waiting            int     `json:"waiting"`
	MaxCapacity        int     `json:"max_capacity"`
	AvailableCapacity  int     `json:"available_capacity"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

func (rt *Router) handleLoadStats(w http.ResponseWriter, r *http.Request) {
	snap := rt.fleet.Current()
	servers := make([]serverLoad, 0, len(snap.Upstreams))
	var totalLoad, totalCap, totalAvail int
	for _, u := range snap.Upstreams {
		st := u.Status()
		util := 0.0
		if st.MaxConcurrent > 0 {
			util = 100 * float64(st.Running) / float64(st.MaxConcurrent)
		}
		servers = append(servers, serverLoad{
			URL:                st.URL,
			CurrentLoad:        st.Running,
			Waiting:            st.Waiting,
			MaxCapacity:        st.MaxConcurrent,
			AvailableCapacity:  st.AvailableCapacity,
			UtilizationPercent: util,
		})
		totalLoad += st.Running
		totalCap += st.MaxConcurrent
		totalAvail += st.AvailableCapacity
	}
	util := 0.0
	if totalCap > 0 {
		util = 100 * float64(totalLoad) / float64(totalCap)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"summary": map[string]any{
			"total_load":          totalLoad,
			"total_capacity":      totalCap,
			"available_capacity":  totalAvail,
			"utilization_percent": util,
		},
	})
}
