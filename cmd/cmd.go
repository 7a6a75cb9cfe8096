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

// Package routercmd implements the llmrouter command line.
package routercmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llmrouter/llmrouter/router"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitBadConfig = 2
)

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "llmrouter",
		Long: `llmrouter is a reverse proxy and load balancer for a fleet of
OpenAI-compatible LLM inference servers.

Clients address the router as though it were a single inference
server. On each request the router picks the healthiest, least loaded
upstream using load signals scraped from the fleet's Prometheus
metrics, forwards the request (streamed responses included), and
retries other upstreams when an attempt fails. The server list and
tuning knobs hot-reload from the config file without a restart.

To run the router with a config file:

	$ llmrouter run --config servers.toml

To validate a config file without starting anything:

	$ llmrouter check-config --config servers.toml
`,
		Example: `  $ llmrouter run --config servers.toml
  $ llmrouter run --host 127.0.0.1 --port 9000 --console
  $ llmrouter check-config --config servers.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCommand())
	cmd.AddCommand(checkConfigCommand())
	cmd.AddCommand(versionCommand())
	return cmd
}

// Main executes the CLI and returns the process exit code.
func Main() int {
	if err := rootCommand().Execute(); err != nil {
		var ce *router.ConfigError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, err)
			return ExitBadConfig
		}
		fmt.Fprintln(os.Stderr, err)
		return ExitFatal
	}
	return ExitOK
}

// envOr returns the value of the environment variable key, or def.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
