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
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scraper polls every upstream's /metrics on the health-check tick
// and feeds load numbers and probe outcomes into the fleet. It never
// flips liveness itself; that is the health policy's job.
type Scraper struct {
	fleet  *Fleet
	client *http.Client
	logger *zap.Logger
}

// NewScraper returns a load scraper over fleet using the shared
// outbound client.
func NewScraper(fleet *Fleet, client *http.Client, logger *zap.Logger) *Scraper {
	return &Scraper{fleet: fleet, client: client, logger: logger}
}

// Run ticks until ctx is cancelled. Errors inside a tick are logged
// and never terminate the loop.
func (s *Scraper) Run(ctx context.Context) error {
	for {
		interval := s.fleet.Current().Tuning.HealthCheckInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			s.ScrapeFleet(ctx)
		}
	}
}

// ScrapeFleet probes every upstream in the current snapshot in
// parallel. The snapshot is read once; updates land per-upstream.
func (s *Scraper) ScrapeFleet(ctx context.Context) {
	snap := s.fleet.Current()
	g, ctx := errgroup.WithContext(ctx)
	for _, up := range snap.Upstreams {
		g.Go(func() error {
			s.scrapeOne(ctx, up, snap.Tuning.HealthCheckTimeout)
			return nil
		})
	}
	g.Wait()
}

func (s *Scraper) scrapeOne(ctx context.Context, up *Upstream, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	lm, err := s.fetchMetrics(ctx, up.URL)
	latency := time.Since(start)
	if err != nil {
		up.RecordScrape(LoadMetrics{}, latency, false)
		s.logger.Debug("scrape failed",
			zap.String("url", up.URL),
			zap.Duration("latency", latency),
			zap.Error(err))
		return
	}
	up.RecordScrape(lm, latency, true)
}

func (s *Scraper) fetchMetrics(ctx context.Context, baseURL string) (LoadMetrics, error) {
	var lm LoadMetrics
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/metrics", nil)
	if err != nil {
		return lm, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return lm, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return lm, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return lm, err
	}
	return ParseLoadMetrics(body)
}
