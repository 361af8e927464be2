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

	"github.com/spf13/cobra"

	"mission-toolkit/pkg/imagebuilder"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/syncengine"
)

var (
	baseImage     string
	imageRegistry string
	imageName     string
	platform      string
)

func init() {
	rootCmd.AddCommand(imageCmd)
	imageCmd.AddCommand(imageBuildCmd, imageResolveCmd)

	imageBuildCmd.Flags().StringVarP(&baseImage, "base-image", "b", "", "Base image the scripts are layered onto (e.g., python:3.12-slim). Required.")
	imageBuildCmd.Flags().StringVarP(&imageRegistry, "registry", "r", "", "Repository prefix for a generated tag (e.g., gcr.io/my-project).")
	imageBuildCmd.Flags().StringVar(&imageName, "tag", "", "Full destination reference. Overrides --registry.")
	imageBuildCmd.Flags().StringVarP(&platform, "platform", "f", string(imagebuilder.LinuxAMD64), "Target platform of the image (e.g., 'linux/amd64', 'linux/arm64').")
	_ = imageBuildCmd.MarkFlagRequired("base-image")
	imageBuildCmd.MarkFlagsOneRequired("registry", "tag")
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Builds and pins runner images.",
}

var imageBuildCmd = &cobra.Command{
	Use:   "build SCRIPT_DIR",
	Short: "Layers a script directory onto a base image and pushes it.",
	Long: `The 'image build' command copies SCRIPT_DIR into the base image under
/` + imagebuilder.ScriptRoot + ` and pushes the result without a Docker daemon.
Files matched by SCRIPT_DIR/.missionignore are left out, as are the usual
editor and VCS leftovers. The pushed reference is printed on stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Options{Level: logLevel, Format: logFormat})
		if err != nil {
			return err
		}
		builder := imagebuilder.NewBuilder(log, imagebuilder.WithCraneOptions(registryAuth()))
		ref, err := builder.Build(cmd.Context(), imagebuilder.BuildRequest{
			Registry:  imageRegistry,
			Image:     imageName,
			BaseImage: baseImage,
			ScriptDir: args[0],
			Platform:  imagebuilder.DockerPlatform(platform),
		}, syncengine.StagingExcludes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ref)
		return nil
	},
}

var imageResolveCmd = &cobra.Command{
	Use:   "resolve IMAGE",
	Short: "Prints IMAGE pinned to its current digest.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(logging.Options{Level: logLevel, Format: logFormat})
		if err != nil {
			return err
		}
		ref, err := imagebuilder.NewResolver(log, registryAuth()).Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ref)
		return nil
	},
}
