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

// Package router implements a load-balancing reverse proxy for a
// fleet of OpenAI-compatible LLM inference servers. It models the
// fleet as an atomically published immutable snapshot over mutable
// per-upstream records, scrapes live load from each backend's
// Prometheus metrics, and routes each request to the least loaded
// healthy upstream with retry and streaming relay.
package router

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/oklog/run"
	"go.uber.org/zap"
)

// Options configures a Router.
type Options struct {
	// ConfigPath is the TOML config file; watched for hot reload.
	ConfigPath string

	// Host and Port bind the public HTTP listener.
	Host string
	Port string

	// Reload enables the config watcher (on by default from the CLI).
	Reload bool
}

// Router is the single value owning all router state: the fleet, the
// shared outbound HTTP client, the forwarder, and the background
// loops. It is constructed at startup and passed explicitly; there
// are no package-level globals.
type Router struct {
	opts      Options
	logger    *zap.Logger
	fleet     *Fleet
	health    *HealthPolicy
	scraper   *Scraper
	discover  *Discoverer
	watcher   *ConfigWatcher
	forwarder *Forwarder
	metrics   *Instrumentation
	client    *http.Client
}

// New builds a Router from an already-parsed config.
func New(cfg *Config, opts Options, logger *zap.Logger) *Router {
	fleet := NewFleet(cfg)
	metrics := NewInstrumentation()

	// one outbound client shared by the forwarder and every tick
	// task; per-call deadlines come from request contexts
	client := &http.Client{
		Transport: cleanhttp.DefaultPooledTransport(),
	}

	health := NewHealthPolicy(fleet, logger, metrics)
	rt := &Router{
		opts:      opts,
		logger:    logger,
		fleet:     fleet,
		health:    health,
		scraper:   NewScraper(fleet, client, logger),
		discover:  NewDiscoverer(fleet, client, logger),
		watcher:   NewConfigWatcher(opts.ConfigPath, fleet, logger),
		forwarder: NewForwarder(fleet, health, client, logger, metrics),
		metrics:   metrics,
		client:    client,
	}
	return rt
}

// Fleet exposes the live fleet, mainly for introspection and tests.
func (rt *Router) Fleet() *Fleet { return rt.fleet }

// Run starts the listener and all background loops and blocks until
// ctx is cancelled or a fatal error occurs. Shutdown is cooperative:
// tick loops observe cancellation between ticks and in-flight
// forwards get up to the request timeout to drain.
func (rt *Router) Run(ctx context.Context) error {
	addr := net.JoinHostPort(rt.opts.Host, rt.opts.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: rt.Handler(),
	}

	var g run.Group

	// root context; interrupting any actor cancels it
	rootCtx, rootCancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-rootCtx.Done()
		return rootCtx.Err()
	}, func(error) {
		rootCancel()
	})

	g.Add(func() error {
		rt.logger.Info("listening", zap.String("addr", addr))
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(error) {
		drainTimeout := rt.fleet.Current().Tuning.RequestTimeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("server shutdown", zap.Error(err))
			server.Close()
		}
	})

	addLoop := func(name string, loop func(context.Context) error) {
		loopCtx, cancel := context.WithCancel(rootCtx)
		g.Add(func() error {
			err := loop(loopCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			rt.logger.Error("background loop exited", zap.String("loop", name), zap.Error(err))
			return err
		}, func(error) {
			cancel()
		})
	}

	addLoop("scraper", rt.scraper.Run)
	addLoop("health", rt.health.Run)
	addLoop("discovery", rt.discover.Run)
	if rt.opts.Reload {
		addLoop("config-watcher", rt.watcher.Run)
	}

	err := g.Run()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// WarmUp runs one synchronous scrape, health evaluation, and model
// discovery pass so the router can route sensibly right after bind
// instead of waiting out the first tick.
func (rt *Router) WarmUp(ctx context.Context) {
	warmCtx, cancel := context.WithTimeout(ctx, 2*rt.fleet.Current().Tuning.HealthCheckTimeout)
	defer cancel()
	rt.scraper.ScrapeFleet(warmCtx)
	rt.discover.DiscoverFleet(warmCtx)
	rt.health.EvaluateFleet()
}

// Listener and config file defaults used by the CLI when env vars are
// unset.
const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = "8888"
	DefaultConfigPath = "servers.toml"
)
