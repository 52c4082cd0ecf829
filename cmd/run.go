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
	"time"

	"github.com/spf13/cobra"

	"shardrun/pkg/config"
	"shardrun/pkg/logging"
	"shardrun/pkg/run"
	"shardrun/pkg/storage"
)

var (
	runBackend     string
	runShards      int
	jobName        string
	outputManifest string
	runTimeout     time.Duration
	noDownload     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runBackend, "backend", "b", "", "Execution backend, 'batch' or 'eks'. Defaults to job.backend from the config.")
	runCmd.Flags().IntVarP(&runShards, "shards", "n", 0, "Number of shards (array size). Defaults to job.shards from the config.")
	runCmd.Flags().StringVarP(&jobName, "job-name", "j", "", "Name of the submitted job. Defaults to shardrun-<run id>.")
	runCmd.Flags().StringVarP(&outputManifest, "output-manifest", "o", "", "Path to output the generated Kubernetes manifest instead of applying it (eks only).")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Wall-clock limit for tracking the job. Defaults to job.timeout from the config.")
	runCmd.Flags().BoolVar(&noDownload, "no-download", false, "Skip downloading the shard results after the job completes.")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submits one array job and tracks it until every shard has finished.",
	Long: `The 'run' command submits an array job with one child per shard to AWS Batch
or an indexed Job to EKS Fargate, streams the children's logs while polling
their states, prints a summary, downloads the results and writes a run report.

Failed shards are reported but do not fail the command; a tracking timeout does.`,
	Run:          runRunCmd,
	SilenceUsage: true,
}

func runRunCmd(cmd *cobra.Command, args []string) {
	logging.Info("Executing shardrun run command...")

	if runBackend != "" {
		cfg.Job.Backend = runBackend
	}
	if runShards != 0 {
		cfg.Job.Shards = runShards
	}
	if runTimeout < 0 {
		logging.Fatal("--timeout must not be negative.")
	}
	if outputManifest != "" && cfg.Job.Backend != config.BackendEKS {
		logging.Fatal("--output-manifest is only supported with the eks backend.")
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	id := resolveIdentity(ctx)
	bucket := cfg.BucketName(id.Region, id.AccountID)

	w := &run.Workflow{
		Config:       cfg,
		Orchestrator: newBackend(cfg.Job.Backend, id),
		Store:        storage.NewFromConfig(id.Config, bucket),
		Bucket:       bucket,
	}
	_, err := run.ExecuteRun(ctx, w, run.RunOptions{
		Backend:        cfg.Job.Backend,
		Shards:         cfg.Job.Shards,
		Name:           jobName,
		OutputManifest: outputManifest,
		Timeout:        runTimeout,
		Download:       !noDownload,
	})
	if err != nil {
		logging.Fatal("shardrun run failed: %v", err)
	}
}
