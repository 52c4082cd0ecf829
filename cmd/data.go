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
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"shardrun/pkg/datagen"
	"shardrun/pkg/logging"
	"shardrun/pkg/storage"
)

var (
	genFolders int
	genFiles   int
	genNumbers int

	uploadShards int
	downloadDest string
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.AddCommand(dataGenerateCmd, dataUploadCmd, dataDownloadCmd)

	defaults := datagen.DefaultOptions()
	dataGenerateCmd.Flags().IntVar(&genFolders, "folders", defaults.Folders, "Number of shard folders to create.")
	dataGenerateCmd.Flags().IntVar(&genFiles, "files", defaults.Files, "Number of JSON files per folder.")
	dataGenerateCmd.Flags().IntVar(&genNumbers, "numbers", defaults.Numbers, "Number of random values per file.")

	dataUploadCmd.Flags().IntVarP(&uploadShards, "shards", "n", 0, "Number of shard folders to upload. Defaults to job.shards from the config.")
	dataDownloadCmd.Flags().StringVarP(&downloadDest, "dest", "d", "", "Local directory for the results. Defaults to paths.results_dir.")
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Generates, uploads and downloads shard data.",
}

var dataGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Writes sample inputs to paths.data_dir/{1..folders}/{1..files}.json.",
	Run: func(cmd *cobra.Command, args []string) {
		n, err := datagen.Generate(afero.NewOsFs(), cfg.Paths.DataDir, datagen.Options{Folders: genFolders, Files: genFiles, Numbers: genNumbers})
		if err != nil {
			logging.Fatal("%v", err)
		}
		logging.Info("Created %d folders with %d JSON files in total under %s", genFolders, n, cfg.Paths.DataDir)
	},
}

var dataUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Uploads paths.data_dir/{i}/ to s3://<bucket>/<input_base>{i}/ for every shard.",
	Run: func(cmd *cobra.Command, args []string) {
		shards := cfg.Job.Shards
		if uploadShards != 0 {
			shards = uploadShards
		}
		if shards < 1 {
			logging.Fatal("--shards must be at least 1, got %d", shards)
		}
		ctx, cancel := signalContext()
		defer cancel()
		id := resolveIdentity(ctx)

		store := storage.NewFromConfig(id.Config, cfg.BucketName(id.Region, id.AccountID))
		if err := store.EnsureBucket(ctx); err != nil {
			logging.Fatal("%v", err)
		}
		if _, err := store.UploadShards(ctx, cfg.Paths.DataDir, cfg.Job.InputBase, shards); err != nil {
			logging.Fatal("Upload failed: %v", err)
		}
	},
}

var dataDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Downloads s3://<bucket>/<output_base> to paths.results_dir.",
	Run: func(cmd *cobra.Command, args []string) {
		dest := cfg.Paths.ResultsDir
		if downloadDest != "" {
			dest = downloadDest
		}
		ctx, cancel := signalContext()
		defer cancel()
		id := resolveIdentity(ctx)

		store := storage.NewFromConfig(id.Config, cfg.BucketName(id.Region, id.AccountID))
		if _, err := store.Download(ctx, cfg.Job.OutputBase, dest); err != nil {
			logging.Fatal("Download failed: %v", err)
		}
	},
}
