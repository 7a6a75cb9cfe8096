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

package routercmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/llmrouter/llmrouter/router"
)

// addConfigFlag registers the shared --config flag.
func addConfigFlag(flags *pflag.FlagSet, confPath *string) {
	flags.StringVar(confPath, "config", envOr("CONFIG_PATH", router.DefaultConfigPath), "config file path")
}

func runCommand() *cobra.Command {
	var (
		host     string
		port     string
		confPath string
		console  bool
		logLevel string
		reload   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("console") {
				console = envOr("LOG_TO_CONSOLE", "false") == "true"
			}
			logger, err := newLogger(logLevel, console)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := router.LoadConfig(confPath)
			if err != nil {
				return err
			}

			rt := router.New(cfg, router.Options{
				ConfigPath: confPath,
				Host:       host,
				Port:       port,
				Reload:     reload,
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.WarmUp(ctx)
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", envOr("HOST", router.DefaultHost), "listen host")
	cmd.Flags().StringVar(&port, "port", envOr("PORT", router.DefaultPort), "listen port")
	addConfigFlag(cmd.Flags(), &confPath)
	cmd.Flags().BoolVar(&console, "console", false, "log to console instead of JSON")
	cmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "INFO"), "log level")
	cmd.Flags().BoolVar(&reload, "reload", true, "watch the config file for changes")
	return cmd
}

func checkConfigCommand() *cobra.Command {
	var confPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := router.LoadConfig(confPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d server(s), health check every %s, request timeout %s\n",
				len(cfg.Servers),
				cfg.Tuning.HealthCheckInterval,
				cfg.Tuning.RequestTimeout)
			return nil
		},
	}
	addConfigFlag(cmd.Flags(), &confPath)
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(router.Version)
		},
	}
}
