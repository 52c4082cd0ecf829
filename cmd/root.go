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
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/config"
	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/orchestrator/batch"
	"shardrun/pkg/orchestrator/eks"
)

var (
	configPath string
	verbose    bool

	// cfg is loaded before any sub-command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shardrun",
	Short: "Runs sharded array jobs on AWS Batch or EKS Fargate and tracks them to completion.",
	Long: `shardrun provisions an AWS Batch or EKS Fargate environment, uploads shard
inputs to S3, submits one array job with a child per shard and follows it until
every shard has finished, streaming the children's logs along the way.`,
	PersistentPreRun: loadConfig,
	SilenceUsage:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the TOML configuration file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
}

// normalizeFlag accepts config style names such as --output_manifest.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, args []string) {
	var err error
	cfg, err = config.LoadFromFile(configPath)
	if err != nil {
		logging.Fatal("%v", err)
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.SetLevel(level); err != nil {
		logging.Fatal("%v", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveIdentity refreshes the SSO session when a profile is set and looks up
// the account and region.
func resolveIdentity(ctx context.Context) *awsutil.Identity {
	if cfg.AWS.Profile != "" {
		if err := awsutil.EnsureSSOLogin(ctx, cfg.AWS.Profile); err != nil {
			logging.Fatal("%v", err)
		}
	}
	id, err := awsutil.Resolve(ctx, cfg.AWS.Profile, cfg.AWS.Region)
	if err != nil {
		logging.Fatal("Failed to resolve AWS identity: %v", err)
	}
	logging.Info("Using account %s in %s", id.AccountID, id.Region)
	return id
}

type backend interface {
	orchestrator.Orchestrator
	orchestrator.Provisioner
}

func newBackend(name string, id *awsutil.Identity) backend {
	if err := config.ValidateBackend(name); err != nil {
		logging.Fatal("%v", err)
	}
	if name == config.BackendEKS {
		return eks.New(cfg, id)
	}
	return batch.New(cfg, id)
}
