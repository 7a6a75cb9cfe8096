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
	"math/rand"
)

// preferredScoreCutoff separates lightly loaded candidates from the
// rest; selection prefers the former group when it is non-empty.
const preferredScoreCutoff = 0.5

type candidate struct {
	up    *Upstream
	score float64
	full  bool
}

// Select chooses the best upstream from snap for an optional model
// filter. exclude holds URLs already tried within the same request.
//
// It returns ErrNoHealthyUpstream or *ModelNotServedError with a nil
// upstream when no candidate exists at all. When every candidate is
// at capacity it returns the least loaded one together with
// ErrAllAtCapacity so the caller can decide whether to attempt it.
//
// Select reads each candidate's load under its own mutex but never
// mutates fleet state and never blocks.
func Select(snap *Snapshot, modelID string, exclude map[string]struct{}) (*Upstream, error) {
	var cands []candidate
	anyHealthy := false
	for _, u := range snap.Upstreams {
		if !u.Healthy() {
			continue
		}
		anyHealthy = true
		if _, tried := exclude[u.URL]; tried {
			continue
		}
		if modelID != "" && !u.ServesModel(modelID) {
			continue
		}
		running, waiting, maxConc := u.Load()
		score := (float64(running) + 0.5*float64(waiting)) / float64(maxConc)
		full := maxConc-running <= 0
		if full && score < 1.0 {
			score = 1.0
		}
		cands = append(cands, candidate{up: u, score: score, full: full})
	}

	if len(cands) == 0 {
		if !anyHealthy {
			return nil, ErrNoHealthyUpstream
		}
		if modelID != "" {
			// healthy upstreams exist but none serves the model
			// (or all that do were already tried)
			return nil, &ModelNotServedError{Model: modelID}
		}
		return nil, ErrNoHealthyUpstream
	}

	pool := preferredGroup(cands)
	chosen := minScore(pool)

	for _, c := range cands {
		if !c.full {
			return chosen, nil
		}
	}
	return chosen, ErrAllAtCapacity
}

// preferredGroup returns the candidates scoring under the cutoff, or
// the whole set when none does.
func preferredGroup(cands []candidate) []candidate {
	var preferred []candidate
	for _, c := range cands {
		if c.score < preferredScoreCutoff {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return cands
}

// minScore picks the minimum-score candidate, breaking ties uniformly
// at random via reservoir sampling.
func minScore(pool []candidate) *Upstream {
	var best *Upstream
	bestScore := 0.0
	count := 0
	for _, c := range pool {
		if best == nil || c.score < bestScore {
			best = c.up
			bestScore = c.score
			count = 1
			continue
		}
		if c.score == bestScore {
			count++
			if rand.Intn(count) == 0 {
				best = c.up
			}
		}
	}
	return best
}
