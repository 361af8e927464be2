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
	rootCmd.AddCommand(downloadCmd)
	addDownloadFlags(downloadCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download [CASE...]",
	Short: "Downloads the results of finished cases.",
	Long: `The 'download' command brings case directories back from the mission
container. With no arguments every case in the ledger is downloaded; a failing
case does not stop the others. Raw data, figures and rasters are skipped
unless the matching flag is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer a.close(ctx)

		exclude, err := a.downloadExcluder()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return a.orch.DownloadAll(ctx, exclude)
		}
		for _, name := range args {
			if err := a.orch.DownloadCase(ctx, name, exclude); err != nil {
				return err
			}
		}
		return nil
	},
}
