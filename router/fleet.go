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
	"sync/atomic"

	"go.uber.org/zap"
)

// Snapshot is the immutable unit of atomic reload: the ordered set of
// upstream records (config order) plus the tuning knobs in force.
// The slice and Tuning are never mutated after publication; the
// *Upstream records it points at carry their own mutexes for the
// per-upstream counters.
type Snapshot struct {
	Upstreams []*Upstream
	Tuning    Tuning
}

// ByURL returns the record for url, or nil.
func (s *Snapshot) ByURL(url string) *Upstream {
	for _, u := range s.Upstreams {
		if u.URL == url {
			return u
		}
	}
	return nil
}

// Fleet publishes the current snapshot. Readers take the reference
// once per operation and hold it for the operation's duration;
// writers swap in a whole new snapshot. No global lock.
type Fleet struct {
	current atomic.Pointer[Snapshot]
}

// NewFleet builds the initial snapshot from cfg.
func NewFleet(cfg *Config) *Fleet {
	f := new(Fleet)
	ups := make([]*Upstream, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		ups = append(ups, NewUpstream(s.URL, s.MaxConcurrentRequests))
	}
	f.current.Store(&Snapshot{Upstreams: ups, Tuning: cfg.Tuning})
	return f
}

// Current returns the published snapshot.
func (f *Fleet) Current() *Snapshot {
	return f.current.Load()
}

// Apply diffs cfg against the current snapshot and atomically
// publishes the result. Records whose URL survives are reused as-is
// (capacity updated in place, liveness history and load preserved);
// new URLs enter unhealthy until their first successful probe;
// removed URLs are dropped. In-flight operations keep working against
// the snapshot they captured.
func (f *Fleet) Apply(cfg *Config, logger *zap.Logger) {
	old := f.Current()
	byURL := make(map[string]*Upstream, len(old.Upstreams))
	for _, u := range old.Upstreams {
		byURL[u.URL] = u
	}

	ups := make([]*Upstream, 0, len(cfg.Servers))
	var added, kept int
	for _, s := range cfg.Servers {
		if existing, ok := byURL[s.URL]; ok {
			existing.SetMaxConcurrent(s.MaxConcurrentRequests)
			ups = append(ups, existing)
			delete(byURL, s.URL)
			kept++
			continue
		}
		ups = append(ups, NewUpstream(s.URL, s.MaxConcurrentRequests))
		added++
	}

	for url := range byURL {
		logger.Info("upstream removed by reload", zap.String("url", url))
	}
	if added > 0 || len(byURL) > 0 {
		logger.Info("fleet updated",
			zap.Int("kept", kept),
			zap.Int("added", added),
			zap.Int("removed", len(byURL)))
	}

	f.current.Store(&Snapshot{Upstreams: ups, Tuning: cfg.Tuning})
}
