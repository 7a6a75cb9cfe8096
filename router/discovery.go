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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Discoverer periodically asks each upstream which models it serves
// and caches the answer for the selector's model filter. On failure
// the previous set is retained; an unreachable upstream keeps its
// last-known set but is excluded from selection anyway (unhealthy).
type Discoverer struct {
	fleet  *Fleet
	client *http.Client
	logger *zap.Logger
}

// NewDiscoverer returns a model discoverer over fleet.
func NewDiscoverer(fleet *Fleet, client *http.Client, logger *zap.Logger) *Discoverer {
	return &Discoverer{fleet: fleet, client: client, logger: logger}
}

// Run ticks until ctx is cancelled, with one immediate pass on start
// so routing has model data before the first full interval elapses.
func (d *Discoverer) Run(ctx context.Context) error {
	d.DiscoverFleet(ctx)
	for {
		interval := d.fleet.Current().Tuning.DiscoveryInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			d.DiscoverFleet(ctx)
		}
	}
}

// DiscoverFleet refreshes the model set of every upstream in the
// current snapshot in parallel.
func (d *Discoverer) DiscoverFleet(ctx context.Context) {
	snap := d.fleet.Current()
	g, ctx := errgroup.WithContext(ctx)
	for _, up := range snap.Upstreams {
		g.Go(func() error {
			d.discoverOne(ctx, up, snap.Tuning.HealthCheckTimeout)
			return nil
		})
	}
	g.Wait()
}

func (d *Discoverer) discoverOne(ctx context.Context, up *Upstream, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ids, err := d.fetchModels(ctx, up.URL)
	if err != nil {
		d.logger.Debug("model discovery failed, keeping previous set",
			zap.String("url", up.URL),
			zap.Error(err))
		return
	}
	up.SetModels(ids)
}

// modelList is the OpenAI-shaped /v1/models envelope.
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (d *Discoverer) fetchModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}
	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
