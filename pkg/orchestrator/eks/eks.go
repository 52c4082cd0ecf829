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

// Package eks runs sharded jobs as Kubernetes Indexed Jobs on an EKS cluster
// with a Fargate profile.
package eks

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	awseks "github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/config"
	"shardrun/pkg/shell"
)

// EKSAPI is the subset of the EKS client used by this package.
type EKSAPI interface {
	DescribeCluster(ctx context.Context, in *awseks.DescribeClusterInput, optFns ...func(*awseks.Options)) (*awseks.DescribeClusterOutput, error)
	DescribeFargateProfile(ctx context.Context, in *awseks.DescribeFargateProfileInput, optFns ...func(*awseks.Options)) (*awseks.DescribeFargateProfileOutput, error)
}

// IAMAPI is the subset of the IAM client used by this package.
type IAMAPI interface {
	GetPolicy(ctx context.Context, in *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	CreatePolicy(ctx context.Context, in *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
}

// Clients bundles the service clients the orchestrator talks to. A nil Kube
// is built from the kubeconfig on first use, after setup has written it.
type Clients struct {
	EKS  EKSAPI
	IAM  IAMAPI
	Kube kubernetes.Interface
}

// Runner executes an external command such as eksctl or the aws CLI, writing
// its output to out while it runs.
type Runner func(ctx context.Context, cmd *shell.Command, out io.Writer) shell.CommandResult

func runCommand(ctx context.Context, cmd *shell.Command, out io.Writer) shell.CommandResult {
	return cmd.Stream(ctx, out, out)
}

// Orchestrator implements orchestrator.Orchestrator and orchestrator.Provisioner
// for EKS on Fargate.
type Orchestrator struct {
	cfg       config.EKSConfig
	profile   string
	region    string
	accountID string
	bucket    string
	image     string
	command   []string
	tail      bool
	c         Clients

	run          Runner
	startTail    func(ctx context.Context, args []string, out io.Writer) (*shell.Process, error)
	out          io.Writer
	waitInterval time.Duration
	waitAttempts int
	sleep        func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator with clients derived from id.
func New(cfg *config.Config, id *awsutil.Identity) *Orchestrator {
	return NewWithClients(cfg, id.Region, id.AccountID, Clients{
		EKS: awseks.NewFromConfig(id.Config),
		IAM: iam.NewFromConfig(id.Config),
	})
}

// NewWithClients builds an orchestrator over explicit clients.
func NewWithClients(cfg *config.Config, region, accountID string, c Clients) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg.EKS,
		profile:      cfg.AWS.Profile,
		region:       region,
		accountID:    accountID,
		bucket:       cfg.BucketName(region, accountID),
		image:        cfg.ImageURI(region, accountID),
		command:      []string{cfg.Image.Entrypoint, "worker"},
		tail:         cfg.Job.Tail,
		c:            c,
		run:          runCommand,
		startTail:    startKubectl,
		out:          os.Stdout,
		waitInterval: 5 * time.Second,
		waitAttempts: 120,
		sleep:        sleepContext,
	}
}

// kube returns the Kubernetes client, loading the kubeconfig on first use.
func (o *Orchestrator) kube() (kubernetes.Interface, error) {
	if o.c.Kube != nil {
		return o.c.Kube, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if o.cfg.Kubeconfig != "" {
		rules.ExplicitPath = o.cfg.Kubeconfig
	}
	rc, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig (run 'shardrun setup --backend eks' first): %w", err)
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	o.c.Kube = cs
	return cs, nil
}

// waitFor polls check until it reports done, fails, or the attempts run out.
func (o *Orchestrator) waitFor(ctx context.Context, what string, attempts int, check func() (bool, error)) error {
	for attempt := 0; attempt < attempts; attempt++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := o.sleep(ctx, o.waitInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up waiting for %s after %d attempts", what, attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
