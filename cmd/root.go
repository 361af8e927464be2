// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cmd defines the mission command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	configFile  string
	envFile     string
	logLevel    string
	logFormat   string
	backendKind string
	profileName string
	credsFile   string
	workDir     string
)

var rootCmd = &cobra.Command{
	Use:   "mission",
	Short: "Runs batches of simulation cases on a cloud node pool.",
	Long: `mission stages case directories into an object-store container, runs one
task per case on an elastic node pool, shrinks the pool as cases finish and
brings the results back.

Resource names are derived from the mission name, so every command addresses
the same pool, job and container given the same configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to the mission configuration file (default ./mission.yaml when present).")
	flags.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded into the environment before configuration is read.")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn or error.")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text or json.")
	flags.StringVar(&backendKind, "backend", "gcp", "Backend to run against: gcp, or memory for an in-process rehearsal.")
	flags.StringVar(&profileName, "profile", "default", "Section of the credentials file to use.")
	flags.StringVar(&credsFile, "credentials", "", "Path to the credentials file (default ~/.config/mission/credentials).")
	flags.StringVar(&workDir, "work-dir", "", "Local working directory that holds the mission backup.")
}

// flagBindings maps configuration keys to the flags that override them.
var flagBindings = map[string]string{
	"log.level":            "log-level",
	"log.format":           "log-format",
	"backend.kind":         "backend",
	"backend.profile":      "profile",
	"backend.credentials":  "credentials",
	"mission.workDir":      "work-dir",
	"mission.maxNodes":     "max-nodes",
	"mission.poolImage":    "image",
	"monitor.pollInterval": "poll-interval",
	"monitor.resize":       "resize",
	"monitor.download":     "download",
	"download.rawData":     "raw-data",
	"download.figures":     "figures",
	"download.rasters":     "rasters",
	"sync.workers":         "workers",
}

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
