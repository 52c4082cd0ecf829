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

package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/logging"
	"shardrun/pkg/network"
)

const (
	taskExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	ecsTasksPrincipal      = "ecs-tasks.amazonaws.com"
	batchServiceName       = "batch.amazonaws.com"
	jobRolePolicyName      = "shardrun-s3-rw"
	legacyServiceRole      = "AWSBatchServiceRole"
	maxSubnets             = 3
)

// Setup provisions everything a run needs: roles, log group, compute
// environment, job queue and job definition. Each step is check-then-create.
func (o *Orchestrator) Setup(ctx context.Context) error {
	placement, err := network.Resolve(ctx, o.c.EC2, o.cfg.SubnetIDs, o.cfg.SecurityGroupIDs, maxSubnets)
	if err != nil {
		return err
	}
	logging.Info("Using VPC %s, subnets %v, security groups %v", placement.VPCID, placement.SubnetIDs, placement.SecurityGroupIDs)

	execRole, err := o.ensureRole(ctx, o.cfg.ExecRoleName, taskExecutionPolicyARN)
	if err != nil {
		return err
	}
	jobRole, err := o.ensureRole(ctx, o.cfg.JobRoleName, "")
	if err != nil {
		return err
	}
	if _, err := o.c.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(o.cfg.JobRoleName),
		PolicyName:     aws.String(jobRolePolicyName),
		PolicyDocument: aws.String(awsutil.S3ReadWritePolicy(o.bucket)),
	}); err != nil {
		return fmt.Errorf("failed to attach S3 policy to %s: %w", o.cfg.JobRoleName, err)
	}
	if err := o.ensureServiceLinkedRole(ctx); err != nil {
		return err
	}
	if err := o.ensureLogGroup(ctx); err != nil {
		return err
	}
	ceARN, err := o.ensureComputeEnvironment(ctx, placement)
	if err != nil {
		return err
	}
	if err := o.ensureJobQueue(ctx, ceARN); err != nil {
		return err
	}
	jd, err := o.ensureJobDefinition(ctx, execRole, jobRole)
	if err != nil {
		return err
	}
	logging.Info("Batch environment ready: queue %s, job definition %s", o.cfg.JobQueue, jd)
	return nil
}

// ensureRole returns the ARN of roleName, creating it with an ECS tasks trust
// policy if it does not exist. A non-empty managedPolicy is attached.
func (o *Orchestrator) ensureRole(ctx context.Context, roleName, managedPolicy string) (string, error) {
	var arn string
	out, err := o.c.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	switch {
	case err == nil:
		arn = aws.ToString(out.Role.Arn)
		logging.Debug("Role %s exists", roleName)
	case awsutil.HasCode(err, "NoSuchEntity"):
		logging.Info("Creating IAM role %s", roleName)
		created, err := o.c.IAM.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(roleName),
			AssumeRolePolicyDocument: aws.String(awsutil.TrustPolicy(ecsTasksPrincipal)),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create role %s: %w", roleName, err)
		}
		arn = aws.ToString(created.Role.Arn)
	default:
		return "", fmt.Errorf("failed to get role %s: %w", roleName, err)
	}

	if managedPolicy != "" {
		if _, err := o.c.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(managedPolicy),
		}); err != nil {
			return "", fmt.Errorf("failed to attach %s to %s: %w", managedPolicy, roleName, err)
		}
	}
	return arn, nil
}

func (o *Orchestrator) ensureServiceLinkedRole(ctx context.Context) error {
	_, err := o.c.IAM.CreateServiceLinkedRole(ctx, &iam.CreateServiceLinkedRoleInput{
		AWSServiceName: aws.String(batchServiceName),
	})
	switch {
	case err == nil:
		logging.Info("Created the Batch service-linked role")
	case awsutil.HasCode(err, "InvalidInput"):
		logging.Debug("Batch service-linked role already exists")
	case awsutil.HasCode(err, "AccessDenied"):
		logging.Warn("Not allowed to create the Batch service-linked role, assuming it exists: %v", err)
	default:
		return fmt.Errorf("failed to create Batch service-linked role: %w", err)
	}
	return nil
}

func (o *Orchestrator) ensureLogGroup(ctx context.Context) error {
	_, err := o.c.Logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(o.cfg.LogGroup)})
	if err != nil && !awsutil.HasCode(err, "ResourceAlreadyExistsException") {
		return fmt.Errorf("failed to create log group %s: %w", o.cfg.LogGroup, err)
	}
	return nil
}

func (o *Orchestrator) describeComputeEnvironment(ctx context.Context) (*batchtypes.ComputeEnvironmentDetail, error) {
	out, err := o.c.Batch.DescribeComputeEnvironments(ctx, &awsbatch.DescribeComputeEnvironmentsInput{
		ComputeEnvironments: []string{o.cfg.ComputeEnv},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe compute environment %s: %w", o.cfg.ComputeEnv, err)
	}
	for i, ce := range out.ComputeEnvironments {
		if ce.Status == batchtypes.CEStatusDeleted {
			continue
		}
		return &out.ComputeEnvironments[i], nil
	}
	return nil, nil
}

// ensureComputeEnvironment returns the ARN of a VALID Fargate compute
// environment. An environment left INVALID by the legacy service role is
// rebuilt to use the service-linked role.
func (o *Orchestrator) ensureComputeEnvironment(ctx context.Context, p *network.Placement) (string, error) {
	ce, err := o.describeComputeEnvironment(ctx)
	if err != nil {
		return "", err
	}
	if ce != nil && ce.Status == batchtypes.CEStatusInvalid {
		reason := aws.ToString(ce.StatusReason)
		if !strings.Contains(reason, legacyServiceRole) {
			return "", fmt.Errorf("compute environment %s is INVALID: %s", o.cfg.ComputeEnv, reason)
		}
		logging.Warn("Compute environment %s is INVALID because of %s, recreating it", o.cfg.ComputeEnv, legacyServiceRole)
		if err := o.deleteComputeEnvironment(ctx); err != nil {
			return "", err
		}
		ce = nil
	}
	if ce == nil {
		logging.Info("Creating Fargate compute environment %s", o.cfg.ComputeEnv)
		if _, err := o.c.Batch.CreateComputeEnvironment(ctx, &awsbatch.CreateComputeEnvironmentInput{
			ComputeEnvironmentName: aws.String(o.cfg.ComputeEnv),
			Type:                   batchtypes.CETypeManaged,
			State:                  batchtypes.CEStateEnabled,
			ComputeResources: &batchtypes.ComputeResource{
				Type:             batchtypes.CRTypeFargate,
				MaxvCpus:         aws.Int32(o.cfg.MaxVCPUs),
				Subnets:          p.SubnetIDs,
				SecurityGroupIds: p.SecurityGroupIDs,
			},
		}); err != nil {
			return "", fmt.Errorf("failed to create compute environment %s: %w", o.cfg.ComputeEnv, err)
		}
	}
	return o.waitComputeEnvironmentValid(ctx)
}

func (o *Orchestrator) waitComputeEnvironmentValid(ctx context.Context) (string, error) {
	var arn string
	err := o.waitFor(ctx, "compute environment "+o.cfg.ComputeEnv+" to become VALID", func() (bool, error) {
		ce, err := o.describeComputeEnvironment(ctx)
		if err != nil {
			return false, err
		}
		if ce == nil {
			return false, nil
		}
		switch ce.Status {
		case batchtypes.CEStatusValid:
			arn = aws.ToString(ce.ComputeEnvironmentArn)
			return true, nil
		case batchtypes.CEStatusInvalid:
			return false, fmt.Errorf("compute environment %s became INVALID: %s", o.cfg.ComputeEnv, aws.ToString(ce.StatusReason))
		}
		return false, nil
	})
	return arn, err
}

// deleteComputeEnvironment disables the environment, removes the queues that
// reference it and deletes it.
func (o *Orchestrator) deleteComputeEnvironment(ctx context.Context) error {
	ce, err := o.describeComputeEnvironment(ctx)
	if err != nil || ce == nil {
		return err
	}
	queues, err := o.queuesUsing(ctx, aws.ToString(ce.ComputeEnvironmentArn))
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := o.deleteJobQueue(ctx, q); err != nil {
			return err
		}
	}
	if ce.State != batchtypes.CEStateDisabled {
		if _, err := o.c.Batch.UpdateComputeEnvironment(ctx, &awsbatch.UpdateComputeEnvironmentInput{
			ComputeEnvironment: aws.String(o.cfg.ComputeEnv),
			State:              batchtypes.CEStateDisabled,
		}); err != nil {
			return fmt.Errorf("failed to disable compute environment %s: %w", o.cfg.ComputeEnv, err)
		}
	}
	if err := o.waitFor(ctx, "compute environment "+o.cfg.ComputeEnv+" to settle", func() (bool, error) {
		ce, err := o.describeComputeEnvironment(ctx)
		if err != nil || ce == nil {
			return ce == nil, err
		}
		return ce.Status != batchtypes.CEStatusUpdating && ce.Status != batchtypes.CEStatusCreating, nil
	}); err != nil {
		return err
	}
	if _, err := o.c.Batch.DeleteComputeEnvironment(ctx, &awsbatch.DeleteComputeEnvironmentInput{
		ComputeEnvironment: aws.String(o.cfg.ComputeEnv),
	}); err != nil {
		return fmt.Errorf("failed to delete compute environment %s: %w", o.cfg.ComputeEnv, err)
	}
	return o.waitFor(ctx, "compute environment "+o.cfg.ComputeEnv+" to be deleted", func() (bool, error) {
		ce, err := o.describeComputeEnvironment(ctx)
		return ce == nil, err
	})
}

func (o *Orchestrator) describeJobQueue(ctx context.Context, name string) (*batchtypes.JobQueueDetail, error) {
	out, err := o.c.Batch.DescribeJobQueues(ctx, &awsbatch.DescribeJobQueuesInput{JobQueues: []string{name}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe job queue %s: %w", name, err)
	}
	for i, q := range out.JobQueues {
		if q.Status == batchtypes.JQStatusDeleted {
			continue
		}
		return &out.JobQueues[i], nil
	}
	return nil, nil
}

// queuesUsing lists the names of all job queues ordered onto ceARN.
func (o *Orchestrator) queuesUsing(ctx context.Context, ceARN string) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := o.c.Batch.DescribeJobQueues(ctx, &awsbatch.DescribeJobQueuesInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("failed to list job queues: %w", err)
		}
		for _, q := range out.JobQueues {
			for _, order := range q.ComputeEnvironmentOrder {
				ce := aws.ToString(order.ComputeEnvironment)
				if ce == ceARN || ce == o.cfg.ComputeEnv {
					names = append(names, aws.ToString(q.JobQueueName))
					break
				}
			}
		}
		if out.NextToken == nil {
			return names, nil
		}
		token = out.NextToken
	}
}

func (o *Orchestrator) ensureJobQueue(ctx context.Context, ceARN string) error {
	q, err := o.describeJobQueue(ctx, o.cfg.JobQueue)
	if err != nil {
		return err
	}
	if q == nil {
		logging.Info("Creating job queue %s", o.cfg.JobQueue)
		if _, err := o.c.Batch.CreateJobQueue(ctx, &awsbatch.CreateJobQueueInput{
			JobQueueName: aws.String(o.cfg.JobQueue),
			Priority:     aws.Int32(1),
			State:        batchtypes.JQStateEnabled,
			ComputeEnvironmentOrder: []batchtypes.ComputeEnvironmentOrder{
				{ComputeEnvironment: aws.String(ceARN), Order: aws.Int32(1)},
			},
		}); err != nil {
			return fmt.Errorf("failed to create job queue %s: %w", o.cfg.JobQueue, err)
		}
	}
	return o.waitFor(ctx, "job queue "+o.cfg.JobQueue+" to become VALID", func() (bool, error) {
		q, err := o.describeJobQueue(ctx, o.cfg.JobQueue)
		if err != nil || q == nil {
			return false, err
		}
		if q.Status == batchtypes.JQStatusInvalid {
			return false, fmt.Errorf("job queue %s is INVALID: %s", o.cfg.JobQueue, aws.ToString(q.StatusReason))
		}
		return q.Status == batchtypes.JQStatusValid, nil
	})
}

func (o *Orchestrator) deleteJobQueue(ctx context.Context, name string) error {
	q, err := o.describeJobQueue(ctx, name)
	if err != nil || q == nil {
		return err
	}
	logging.Info("Deleting job queue %s", name)
	if q.State != batchtypes.JQStateDisabled {
		if _, err := o.c.Batch.UpdateJobQueue(ctx, &awsbatch.UpdateJobQueueInput{
			JobQueue: aws.String(name),
			State:    batchtypes.JQStateDisabled,
		}); err != nil {
			return fmt.Errorf("failed to disable job queue %s: %w", name, err)
		}
		if err := o.waitFor(ctx, "job queue "+name+" to be disabled", func() (bool, error) {
			q, err := o.describeJobQueue(ctx, name)
			if err != nil || q == nil {
				return q == nil, err
			}
			return q.Status != batchtypes.JQStatusUpdating, nil
		}); err != nil {
			return err
		}
	}
	if _, err := o.c.Batch.DeleteJobQueue(ctx, &awsbatch.DeleteJobQueueInput{JobQueue: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete job queue %s: %w", name, err)
	}
	return o.waitFor(ctx, "job queue "+name+" to be deleted", func() (bool, error) {
		q, err := o.describeJobQueue(ctx, name)
		return q == nil, err
	})
}

// activeJobDefinitions returns every ACTIVE revision of the configured definition.
func (o *Orchestrator) activeJobDefinitions(ctx context.Context) ([]batchtypes.JobDefinition, error) {
	var defs []batchtypes.JobDefinition
	var token *string
	for {
		out, err := o.c.Batch.DescribeJobDefinitions(ctx, &awsbatch.DescribeJobDefinitionsInput{
			JobDefinitionName: aws.String(o.cfg.JobDefinition),
			Status:            aws.String("ACTIVE"),
			NextToken:         token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe job definition %s: %w", o.cfg.JobDefinition, err)
		}
		defs = append(defs, out.JobDefinitions...)
		if out.NextToken == nil {
			return defs, nil
		}
		token = out.NextToken
	}
}

// ensureJobDefinition reuses the latest ACTIVE revision when it runs the
// current image with the current job role, and registers a new one otherwise.
func (o *Orchestrator) ensureJobDefinition(ctx context.Context, execRole, jobRole string) (string, error) {
	defs, err := o.activeJobDefinitions(ctx)
	if err != nil {
		return "", err
	}
	var latest *batchtypes.JobDefinition
	for i := range defs {
		if latest == nil || aws.ToInt32(defs[i].Revision) > aws.ToInt32(latest.Revision) {
			latest = &defs[i]
		}
	}
	if latest != nil && latest.ContainerProperties != nil &&
		aws.ToString(latest.ContainerProperties.Image) == o.image &&
		aws.ToString(latest.ContainerProperties.JobRoleArn) == jobRole {
		logging.Info("Reusing job definition %s:%d", o.cfg.JobDefinition, aws.ToInt32(latest.Revision))
		return aws.ToString(latest.JobDefinitionArn), nil
	}

	assignIP := batchtypes.AssignPublicIpDisabled
	if o.cfg.AssignPublicIP {
		assignIP = batchtypes.AssignPublicIpEnabled
	}
	logging.Info("Registering job definition %s for image %s", o.cfg.JobDefinition, o.image)
	out, err := o.c.Batch.RegisterJobDefinition(ctx, &awsbatch.RegisterJobDefinitionInput{
		JobDefinitionName:    aws.String(o.cfg.JobDefinition),
		Type:                 batchtypes.JobDefinitionTypeContainer,
		PlatformCapabilities: []batchtypes.PlatformCapability{batchtypes.PlatformCapabilityFargate},
		ContainerProperties: &batchtypes.ContainerProperties{
			Image:            aws.String(o.image),
			Command:          o.command,
			ExecutionRoleArn: aws.String(execRole),
			JobRoleArn:       aws.String(jobRole),
			ResourceRequirements: []batchtypes.ResourceRequirement{
				{Type: batchtypes.ResourceTypeVcpu, Value: aws.String(o.cfg.VCPU)},
				{Type: batchtypes.ResourceTypeMemory, Value: aws.String(o.cfg.MemoryMiB)},
			},
			Environment: keyValues(map[string]string{
				"BUCKET":      o.bucket,
				"INPUT_BASE":  o.job.InputBase,
				"OUTPUT_BASE": o.job.OutputBase,
			}),
			LogConfiguration: &batchtypes.LogConfiguration{
				LogDriver: batchtypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         o.cfg.LogGroup,
					"awslogs-region":        o.region,
					"awslogs-stream-prefix": "batch",
				},
			},
			NetworkConfiguration: &batchtypes.NetworkConfiguration{AssignPublicIp: assignIP},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to register job definition %s: %w", o.cfg.JobDefinition, err)
	}
	return aws.ToString(out.JobDefinitionArn), nil
}

var errWaitExhausted = errors.New("gave up waiting")

// waitFor polls check until it reports done, fails, or the attempts run out.
func (o *Orchestrator) waitFor(ctx context.Context, what string, check func() (bool, error)) error {
	logging.Debug("Waiting for %s", what)
	for attempt := 0; attempt < o.waitAttempts; attempt++ {
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
	return fmt.Errorf("%w for %s after %d attempts", errWaitExhausted, what, o.waitAttempts)
}
