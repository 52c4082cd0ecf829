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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/spf13/cobra"

	"shardrun/pkg/imagebuilder"
	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/storage"
)

var (
	cleanupBackend string
	cleanupYes     bool
	cleanupAll     bool
)

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupBackend, "backend", "b", "", "Backend to tear down, 'batch' or 'eks'. Defaults to job.backend from the config.")
	cleanupCmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false, "Do not ask for confirmation before deleting the bucket and repository.")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Also delete the S3 bucket, the ECR repository and the EKS cluster.")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Removes the backend's job resources, and with --all the bucket, repository and cluster.",
	Run:   runCleanupCmd,
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func runCleanupCmd(cmd *cobra.Command, args []string) {
	if cleanupBackend != "" {
		cfg.Job.Backend = cleanupBackend
	}
	ctx, cancel := signalContext()
	defer cancel()
	id := resolveIdentity(ctx)
	bucket := cfg.BucketName(id.Region, id.AccountID)

	all := cleanupAll
	if all && !cleanupYes && !confirm(fmt.Sprintf("Delete bucket %s, ECR repository %s and all %s infrastructure?", bucket, cfg.Image.Repository, cfg.Job.Backend)) {
		logging.Info("Keeping the bucket, repository and long lived infrastructure.")
		all = false
	}

	if err := newBackend(cfg.Job.Backend, id).Cleanup(ctx, orchestrator.CleanupOptions{All: all}); err != nil {
		logging.Fatal("Cleanup of the %s backend failed: %v", cfg.Job.Backend, err)
	}
	if !all {
		logging.Info("Cleanup completed.")
		return
	}

	if err := storage.NewFromConfig(id.Config, bucket).EmptyAndDeleteBucket(ctx); err != nil {
		logging.Fatal("%v", err)
	}
	if err := imagebuilder.DeleteRepository(ctx, ecr.NewFromConfig(id.Config), cfg.Image.Repository); err != nil {
		logging.Fatal("%v", err)
	}
	logging.Info("Cleanup completed.")
}
