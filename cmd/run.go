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


package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"mission-toolkit/pkg/orchestrator"
)

var (
	maxNodes       int
	poolImage      string
	pollInterval   time.Duration
	resizePool     bool
	downloadCases  bool
	rawData        bool
	figures        bool
	rasters        bool
	syncWorkers    int
	ignoreMissing  bool
	ignoreExisting bool
	teardown       bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	addStartFlags(runCmd)
	addMonitorFlags(runCmd)
	runCmd.Flags().BoolVar(&teardown, "teardown", false, "Delete the container, job and pool once every case is finished and downloaded.")
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&maxNodes, "max-nodes", "n", 1, "Upper bound on the pool size.")
	cmd.Flags().StringVarP(&poolImage, "image", "i", "", "Container image the tasks run in (e.g., us-docker.pkg.dev/my-project/sims/runner:latest).")
	cmd.Flags().IntVar(&syncWorkers, "workers", 4, "Concurrent transfers per case directory.")
	cmd.Flags().BoolVar(&ignoreMissing, "ignore-missing", false, "Skip case directories that do not exist instead of failing.")
	cmd.Flags().BoolVar(&ignoreExisting, "ignore-existing", false, "Skip cases that were already submitted instead of failing.")
}

func addMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", orchestrator.DefaultPollInterval, "Pause between monitor cycles.")
	cmd.Flags().BoolVar(&resizePool, "resize", true, "Shrink the pool as cases finish.")
	cmd.Flags().BoolVar(&downloadCases, "download", true, "Download each case as soon as it finishes.")
	addDownloadFlags(cmd)
}

func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&rawData, "raw-data", false, "Also download raw solver output.")
	cmd.Flags().BoolVar(&figures, "figures", false, "Also download figures.")
	cmd.Flags().BoolVar(&rasters, "rasters", false, "Also download raster files.")
}

var runCmd = &cobra.Command{
	Use:   "run CASE_DIR...",
	Short: "Starts a mission, monitors it to completion and downloads the results.",
	Long: `The 'run' command is 'start' followed by 'monitor'. Every CASE_DIR is
staged into the mission container and submitted as one task; the command then
polls until no task is outstanding, downloading finished cases and shrinking
the pool on the way.

With --backend memory the whole mission is rehearsed in-process against
simulated backends, which exercises staging and downloads on the local disk
without touching the cloud.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRunCmd,
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer a.close(ctx)

	if err := startMission(cmd, a, args); err != nil {
		return err
	}
	if err := monitorMission(cmd, a); err != nil {
		return err
	}
	if !teardown {
		return nil
	}
	counts := a.mission.Ledger.Counts()
	if a.cfg.Monitor.Download && counts.Downloaded < counts.Total {
		return errors.New("some finished cases were not downloaded, keeping the mission resources; rerun 'download' and then 'teardown'")
	}
	return a.orch.ClearResources(ctx)
}

func startMission(cmd *cobra.Command, a *app, args []string) error {
	cases, err := casesFromArgs(args)
	if err != nil {
		return err
	}
	return a.orch.Start(cmd.Context(), orchestrator.StartOptions{
		Cases:              cases,
		IgnoreMissingLocal: ignoreMissing,
		IgnoreRemoteExists: ignoreExisting,
	})
}

func monitorMission(cmd *cobra.Command, a *app) error {
	opts := orchestrator.MonitorOptions{
		PollInterval: a.cfg.Monitor.PollInterval,
		Resize:       a.cfg.Monitor.Resize,
		Download:     a.cfg.Monitor.Download,
	}
	if opts.Download {
		exclude, err := a.downloadExcluder()
		if err != nil {
			return err
		}
		opts.Exclude = exclude
	}
	return a.orch.MonitorLoop(cmd.Context(), opts)
}
