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
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	addMonitorFlags(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follows a started mission until every task is finished.",
	Long: `The 'monitor' command polls the mission's tasks, downloads each case as it
finishes and shrinks the pool to the number of outstanding tasks. It reads the
task ledger from the local backup, so it can be interrupted and rerun.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return monitorMission(cmd, a)
	},
}
