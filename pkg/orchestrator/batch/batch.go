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

// Package batch runs sharded jobs as AWS Batch array jobs on Fargate.
package batch

import (
	"context"
	"time"

	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/config"
	"shardrun/pkg/network"
)

// BatchAPI is the subset of the Batch client used by this package.
type BatchAPI interface {
	SubmitJob(ctx context.Context, in *awsbatch.SubmitJobInput, optFns ...func(*awsbatch.Options)) (*awsbatch.SubmitJobOutput, error)
	ListJobs(ctx context.Context, in *awsbatch.ListJobsInput, optFns ...func(*awsbatch.Options)) (*awsbatch.ListJobsOutput, error)
	DescribeJobs(ctx context.Context, in *awsbatch.DescribeJobsInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DescribeJobsOutput, error)

	DescribeComputeEnvironments(ctx context.Context, in *awsbatch.DescribeComputeEnvironmentsInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DescribeComputeEnvironmentsOutput, error)
	CreateComputeEnvironment(ctx context.Context, in *awsbatch.CreateComputeEnvironmentInput, optFns ...func(*awsbatch.Options)) (*awsbatch.CreateComputeEnvironmentOutput, error)
	UpdateComputeEnvironment(ctx context.Context, in *awsbatch.UpdateComputeEnvironmentInput, optFns ...func(*awsbatch.Options)) (*awsbatch.UpdateComputeEnvironmentOutput, error)
	DeleteComputeEnvironment(ctx context.Context, in *awsbatch.DeleteComputeEnvironmentInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DeleteComputeEnvironmentOutput, error)

	DescribeJobQueues(ctx context.Context, in *awsbatch.DescribeJobQueuesInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DescribeJobQueuesOutput, error)
	CreateJobQueue(ctx context.Context, in *awsbatch.CreateJobQueueInput, optFns ...func(*awsbatch.Options)) (*awsbatch.CreateJobQueueOutput, error)
	UpdateJobQueue(ctx context.Context, in *awsbatch.UpdateJobQueueInput, optFns ...func(*awsbatch.Options)) (*awsbatch.UpdateJobQueueOutput, error)
	DeleteJobQueue(ctx context.Context, in *awsbatch.DeleteJobQueueInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DeleteJobQueueOutput, error)

	DescribeJobDefinitions(ctx context.Context, in *awsbatch.DescribeJobDefinitionsInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DescribeJobDefinitionsOutput, error)
	RegisterJobDefinition(ctx context.Context, in *awsbatch.RegisterJobDefinitionInput, optFns ...func(*awsbatch.Options)) (*awsbatch.RegisterJobDefinitionOutput, error)
	DeregisterJobDefinition(ctx context.Context, in *awsbatch.DeregisterJobDefinitionInput, optFns ...func(*awsbatch.Options)) (*awsbatch.DeregisterJobDefinitionOutput, error)
}

// LogsAPI is the subset of the CloudWatch Logs client used by this package.
type LogsAPI interface {
	GetLogEvents(ctx context.Context, in *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
}

// IAMAPI is the subset of the IAM client used by this package.
type IAMAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	CreateServiceLinkedRole(ctx context.Context, in *iam.CreateServiceLinkedRoleInput, optFns ...func(*iam.Options)) (*iam.CreateServiceLinkedRoleOutput, error)
}

// Clients bundles the service clients the orchestrator talks to.
type Clients struct {
	Batch BatchAPI
	Logs  LogsAPI
	IAM   IAMAPI
	EC2   network.EC2API
}

// Orchestrator implements orchestrator.Orchestrator and orchestrator.Provisioner
// for AWS Batch.
type Orchestrator struct {
	cfg     config.BatchConfig
	region  string
	bucket  string
	image   string
	command []string
	job     config.JobConfig
	c       Clients

	waitInterval time.Duration
	waitAttempts int
	sleep        func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator with clients derived from id.
func New(cfg *config.Config, id *awsutil.Identity) *Orchestrator {
	return NewWithClients(cfg, id.Region, id.AccountID, Clients{
		Batch: awsbatch.NewFromConfig(id.Config),
		Logs:  cloudwatchlogs.NewFromConfig(id.Config),
		IAM:   iam.NewFromConfig(id.Config),
		EC2:   ec2.NewFromConfig(id.Config),
	})
}

// NewWithClients builds an orchestrator over explicit clients.
func NewWithClients(cfg *config.Config, region, accountID string, c Clients) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg.Batch,
		region:       region,
		bucket:       cfg.BucketName(region, accountID),
		image:        cfg.ImageURI(region, accountID),
		command:      []string{"worker"}, // Batch commands replace the image CMD, not its entrypoint
		job:          cfg.Job,
		c:            c,
		waitInterval: 5 * time.Second,
		waitAttempts: 120,
		sleep:        sleepContext,
	}
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
