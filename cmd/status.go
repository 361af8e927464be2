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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mission-toolkit/pkg/status"
)

var (
	watchInterval time.Duration
	showStorage   bool
	taskName      string
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().DurationVarP(&watchInterval, "watch", "w", 0, "Refresh the overview at this interval until interrupted.")
	statusCmd.Flags().BoolVar(&showStorage, "storage", false, "Show per-case storage usage of the container instead.")
	statusCmd.Flags().StringVarP(&taskName, "task", "t", "", "Print only the state of this case's task.")
	statusCmd.MarkFlagsMutuallyExclusive("watch", "storage", "task")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the state of the mission's pool, tasks and container.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer a.close(ctx)
		out := cmd.OutOrStdout()

		switch {
		case taskName != "":
			state, err := a.reporter.TaskStatus(ctx, taskName)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, state)
			return nil
		case showStorage:
			usage, err := a.reporter.StorageOverview(ctx)
			if err != nil {
				return err
			}
			return status.NewRenderer(out, status.IsTerminal(out)).Storage(usage)
		case watchInterval > 0:
			renderer := status.NewRenderer(out, status.IsTerminal(out))
			for ev := range a.reporter.Watch(ctx, watchInterval) {
				if ev.Err != nil {
					a.log.WithError(ev.Err).Warn("status is incomplete")
				}
				if err := renderer.Snapshot(ev.Snapshot); err != nil {
					return err
				}
			}
			return nil
		default:
			return a.reporter.Overview(ctx, out)
		}
	},
}
