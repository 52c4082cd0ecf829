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
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"

	"shardrun/pkg/logging"
	"shardrun/pkg/network"
	"shardrun/pkg/storage"
)

var (
	setupBackend string
	setupNetwork bool
)

func init() {
	rootCmd.AddCommand(setupCmd)

	setupCmd.Flags().StringVarP(&setupBackend, "backend", "b", "", "Execution backend to provision, 'batch' or 'eks'. Defaults to job.backend from the config.")
	setupCmd.Flags().BoolVar(&setupNetwork, "network", false, "Also create the S3 gateway endpoint and the ECR, STS and Logs interface endpoints.")
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Creates the bucket and the backend's infrastructure. Safe to run repeatedly.",
	Run:   runSetupCmd,
}

func runSetupCmd(cmd *cobra.Command, args []string) {
	if setupBackend != "" {
		cfg.Job.Backend = setupBackend
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	id := resolveIdentity(ctx)

	store := storage.NewFromConfig(id.Config, cfg.BucketName(id.Region, id.AccountID))
	if err := store.EnsureBucket(ctx); err != nil {
		logging.Fatal("%v", err)
	}

	if err := newBackend(cfg.Job.Backend, id).Setup(ctx); err != nil {
		logging.Fatal("Setup of the %s backend failed: %v", cfg.Job.Backend, err)
	}

	if setupNetwork {
		api := ec2.NewFromConfig(id.Config)
		placement, err := network.Resolve(ctx, api, cfg.Batch.SubnetIDs, cfg.Batch.SecurityGroupIDs, 3)
		if err != nil {
			logging.Fatal("Failed to resolve network placement: %v", err)
		}
		results, err := network.EnsureEndpoints(ctx, api, id.Region, placement)
		if err != nil {
			logging.Fatal("Failed to create VPC endpoints: %v", err)
		}
		for _, r := range results {
			logging.Info("Endpoint %s %s: %s", r.Service, r.ID, r.Action)
		}
	}
	logging.Info("Setup of the %s backend completed.", cfg.Job.Backend)
}
