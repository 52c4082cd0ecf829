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
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/spf13/cobra"

	"shardrun/pkg/config"
	"shardrun/pkg/imagebuilder"
	"shardrun/pkg/logging"
)

var (
	imageTag       string
	imageBase      string
	imageContext   string
	imagePlatform  string
	imageUniqueTag bool
)

func init() {
	rootCmd.AddCommand(imageCmd)
	imageCmd.AddCommand(imageBuildCmd)

	imageBuildCmd.Flags().StringVarP(&imageTag, "tag", "t", "", "Image tag. Defaults to image.tag from the config.")
	imageBuildCmd.Flags().BoolVar(&imageUniqueTag, "unique-tag", false, "Generate a unique timestamped tag instead of image.tag.")
	imageBuildCmd.Flags().StringVar(&imageBase, "base-image", "", "Base image to build upon. Defaults to image.base_image.")
	imageBuildCmd.Flags().StringVarP(&imageContext, "context", "c", "", "Build context directory holding the worker binary. Defaults to image.context_dir.")
	imageBuildCmd.Flags().StringVarP(&imagePlatform, "platform", "f", "", "Target platform, e.g. 'linux/amd64' or 'linux/arm64'. Defaults to image.platform.")
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manages the worker container image.",
}

var imageBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Builds the worker image on a base image with crane and pushes it to ECR.",
	Long: `The 'build' command appends the build context (usually a directory holding a
linux build of shardrun) as one layer to the base image, sets the entrypoint to
the worker binary and pushes the result to the ECR repository, creating the
repository first when needed. No Docker daemon is required.`,
	Run: runImageBuildCmd,
}

func runImageBuildCmd(cmd *cobra.Command, args []string) {
	if imageTag != "" && imageUniqueTag {
		logging.Fatal("Cannot provide both --tag and --unique-tag.")
	}
	switch {
	case imageTag != "":
		cfg.Image.Tag = imageTag
	case imageUniqueTag:
		cfg.Image.Tag = imagebuilder.DefaultTag()
	}
	if imageBase != "" {
		cfg.Image.BaseImage = imageBase
	}
	if imageContext != "" {
		cfg.Image.ContextDir = imageContext
	}
	if imagePlatform != "" {
		cfg.Image.Platform = imagePlatform
	}

	ctx, cancel := signalContext()
	defer cancel()
	id := resolveIdentity(ctx)

	api := ecr.NewFromConfig(id.Config)
	if _, err := imagebuilder.EnsureRepository(ctx, api, cfg.Image.Repository); err != nil {
		logging.Fatal("%v", err)
	}
	auth, err := imagebuilder.Authenticator(ctx, api)
	if err != nil {
		logging.Fatal("%v", err)
	}
	matcher, err := imagebuilder.ReadDockerignorePatterns(cfg.Image.ContextDir, imagebuilder.DefaultIgnorePatterns)
	if err != nil {
		logging.Fatal("%v", err)
	}

	pushed, err := imagebuilder.BuildContainerImageFromBaseImage(ctx, imagebuilder.BuildOptions{
		BaseImage:     cfg.Image.BaseImage,
		ContextDir:    cfg.Image.ContextDir,
		Platform:      cfg.Image.Platform,
		Target:        cfg.ImageURI(id.Region, id.AccountID),
		Entrypoint:    cfg.Image.Entrypoint,
		Cmd:           []string{"worker"},
		Auth:          auth,
		IgnoreMatcher: matcher,
	})
	if err != nil {
		logging.Fatal("Image build failed: %v", err)
	}
	logging.Info("Worker image available at %s", pushed)
	if cfg.Image.Tag != config.NewDefaultConfig().Image.Tag {
		logging.Warn("Set image.tag = %q in the config so that run uses this image.", cfg.Image.Tag)
	}
}
