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
	"os"

	"github.com/spf13/cobra"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/logging"
	"shardrun/pkg/storage"
	"shardrun/pkg/worker"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Processes one shard. Runs inside the container of every array child.",
	Long: `The 'worker' command reads its shard from the environment (BUCKET,
INPUT_BASE, OUTPUT_BASE, PROCESS_CAP and JOB_COMPLETION_INDEX or
AWS_BATCH_JOB_ARRAY_INDEX), sums every input file of the shard and writes the
sums to <OUTPUT_BASE><shard+1>/output.txt. Credentials come from the task or pod role.`,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		p, err := worker.ParamsFromOS()
		if err != nil {
			logging.Fatal("%v", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		awsCfg, err := awsutil.LoadConfig(ctx, "", "")
		if err != nil {
			logging.Fatal("%v", err)
		}
		store := storage.NewFromConfig(awsCfg, p.Bucket)
		if _, err := worker.Run(ctx, store, p, os.Stdout); err != nil {
			logging.Fatal("Shard %d failed: %v", p.Shard, err)
		}
	},
}
