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
	rootCmd.AddCommand(startCmd)
	addStartFlags(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start CASE_DIR...",
	Short: "Creates the mission resources and submits one task per case.",
	Long: `The 'start' command ensures the node pool, the job and the container exist,
recovers the task ledger from a backup left in an existing container, and
stages and submits every CASE_DIR. It returns once the tasks are submitted;
use 'monitor' to follow them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return startMission(cmd, a, args)
	},
}
