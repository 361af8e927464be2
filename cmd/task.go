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
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	ignoreExists bool
	purge        bool
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskRemoveCmd)

	taskAddCmd.Flags().BoolVar(&ignoreExists, "ignore-exists", false, "Succeed without resubmitting when the case already has a task.")
	taskRemoveCmd.Flags().BoolVar(&purge, "purge", false, "Also delete the case's files from the container.")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Adds or removes single tasks of a running mission.",
}

var taskAddCmd = &cobra.Command{
	Use:   "add CASE_DIR [NAME]",
	Short: "Stages a case directory and submits it as a task.",
	Long: `The 'task add' command stages CASE_DIR into the mission container and
submits it. The case is named after the directory unless NAME is given.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if len(args) == 2 {
			name = args[1]
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return a.orch.AddTask(cmd.Context(), name, path, ignoreExists)
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Deletes a case's task.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())
		return a.orch.RemoveTask(cmd.Context(), args[0], purge)
	},
}
