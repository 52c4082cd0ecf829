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
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"

	"shardrun/pkg/config"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

type fakeBatch struct {
	pageSize  int
	children  []batchtypes.JobSummary
	details   map[string]batchtypes.JobDetail
	submitted []*awsbatch.SubmitJobInput
	described [][]string

	ces         map[string]*batchtypes.ComputeEnvironmentDetail
	queues      map[string]*batchtypes.JobQueueDetail
	defs        []batchtypes.JobDefinition
	registered  []*awsbatch.RegisterJobDefinitionInput
	deregisters []string
	deletedCEs  []string
	deletedQs   []string
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{
		details: map[string]batchtypes.JobDetail{},
		ces:     map[string]*batchtypes.ComputeEnvironmentDetail{},
		queues:  map[string]*batchtypes.JobQueueDetail{},
	}
}

func (f *fakeBatch) SubmitJob(_ context.Context, in *awsbatch.SubmitJobInput, _ ...func(*awsbatch.Options)) (*awsbatch.SubmitJobOutput, error) {
	f.submitted = append(f.submitted, in)
	return &awsbatch.SubmitJobOutput{JobId: aws.String("job-1"), JobName: in.JobName}, nil
}

func (f *fakeBatch) ListJobs(_ context.Context, in *awsbatch.ListJobsInput, _ ...func(*awsbatch.Options)) (*awsbatch.ListJobsOutput, error) {
	var matching []batchtypes.JobSummary
	for _, c := range f.children {
		if c.Status == in.JobStatus {
			matching = append(matching, c)
		}
	}
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	size := f.pageSize
	if size <= 0 {
		size = 100
	}
	end := start + size
	if end >= len(matching) {
		return &awsbatch.ListJobsOutput{JobSummaryList: matching[start:]}, nil
	}
	return &awsbatch.ListJobsOutput{JobSummaryList: matching[start:end], NextToken: aws.String(strconv.Itoa(end))}, nil
}

func (f *fakeBatch) DescribeJobs(_ context.Context, in *awsbatch.DescribeJobsInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeJobsOutput, error) {
	f.described = append(f.described, in.Jobs)
	out := &awsbatch.DescribeJobsOutput{}
	for _, id := range in.Jobs {
		if d, ok := f.details[id]; ok {
			out.Jobs = append(out.Jobs, d)
		}
	}
	return out, nil
}

func (f *fakeBatch) DescribeComputeEnvironments(_ context.Context, in *awsbatch.DescribeComputeEnvironmentsInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeComputeEnvironmentsOutput, error) {
	out := &awsbatch.DescribeComputeEnvironmentsOutput{}
	for _, name := range in.ComputeEnvironments {
		if ce, ok := f.ces[name]; ok {
			out.ComputeEnvironments = append(out.ComputeEnvironments, *ce)
		}
	}
	return out, nil
}

func (f *fakeBatch) CreateComputeEnvironment(_ context.Context, in *awsbatch.CreateComputeEnvironmentInput, _ ...func(*awsbatch.Options)) (*awsbatch.CreateComputeEnvironmentOutput, error) {
	name := aws.ToString(in.ComputeEnvironmentName)
	f.ces[name] = &batchtypes.ComputeEnvironmentDetail{
		ComputeEnvironmentName: in.ComputeEnvironmentName,
		ComputeEnvironmentArn:  aws.String("arn:ce/" + name),
		State:                  in.State,
		Status:                 batchtypes.CEStatusValid,
		ComputeResources:       in.ComputeResources,
	}
	return &awsbatch.CreateComputeEnvironmentOutput{ComputeEnvironmentArn: aws.String("arn:ce/" + name)}, nil
}

func (f *fakeBatch) UpdateComputeEnvironment(_ context.Context, in *awsbatch.UpdateComputeEnvironmentInput, _ ...func(*awsbatch.Options)) (*awsbatch.UpdateComputeEnvironmentOutput, error) {
	if ce, ok := f.ces[aws.ToString(in.ComputeEnvironment)]; ok {
		ce.State = in.State
	}
	return &awsbatch.UpdateComputeEnvironmentOutput{}, nil
}

func (f *fakeBatch) DeleteComputeEnvironment(_ context.Context, in *awsbatch.DeleteComputeEnvironmentInput, _ ...func(*awsbatch.Options)) (*awsbatch.DeleteComputeEnvironmentOutput, error) {
	name := aws.ToString(in.ComputeEnvironment)
	f.deletedCEs = append(f.deletedCEs, name)
	delete(f.ces, name)
	return &awsbatch.DeleteComputeEnvironmentOutput{}, nil
}

func (f *fakeBatch) DescribeJobQueues(_ context.Context, in *awsbatch.DescribeJobQueuesInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeJobQueuesOutput, error) {
	out := &awsbatch.DescribeJobQueuesOutput{}
	if len(in.JobQueues) == 0 {
		names := make([]string, 0, len(f.queues))
		for n := range f.queues {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			out.JobQueues = append(out.JobQueues, *f.queues[n])
		}
		return out, nil
	}
	for _, name := range in.JobQueues {
		if q, ok := f.queues[name]; ok {
			out.JobQueues = append(out.JobQueues, *q)
		}
	}
	return out, nil
}

func (f *fakeBatch) CreateJobQueue(_ context.Context, in *awsbatch.CreateJobQueueInput, _ ...func(*awsbatch.Options)) (*awsbatch.CreateJobQueueOutput, error) {
	name := aws.ToString(in.JobQueueName)
	f.queues[name] = &batchtypes.JobQueueDetail{
		JobQueueName:            in.JobQueueName,
		JobQueueArn:             aws.String("arn:jq/" + name),
		State:                   in.State,
		Status:                  batchtypes.JQStatusValid,
		Priority:                in.Priority,
		ComputeEnvironmentOrder: in.ComputeEnvironmentOrder,
	}
	return &awsbatch.CreateJobQueueOutput{JobQueueName: in.JobQueueName}, nil
}

func (f *fakeBatch) UpdateJobQueue(_ context.Context, in *awsbatch.UpdateJobQueueInput, _ ...func(*awsbatch.Options)) (*awsbatch.UpdateJobQueueOutput, error) {
	if q, ok := f.queues[aws.ToString(in.JobQueue)]; ok {
		q.State = in.State
	}
	return &awsbatch.UpdateJobQueueOutput{}, nil
}

func (f *fakeBatch) DeleteJobQueue(_ context.Context, in *awsbatch.DeleteJobQueueInput, _ ...func(*awsbatch.Options)) (*awsbatch.DeleteJobQueueOutput, error) {
	name := aws.ToString(in.JobQueue)
	f.deletedQs = append(f.deletedQs, name)
	delete(f.queues, name)
	return &awsbatch.DeleteJobQueueOutput{}, nil
}

func (f *fakeBatch) DescribeJobDefinitions(_ context.Context, in *awsbatch.DescribeJobDefinitionsInput, _ ...func(*awsbatch.Options)) (*awsbatch.DescribeJobDefinitionsOutput, error) {
	out := &awsbatch.DescribeJobDefinitionsOutput{}
	for _, d := range f.defs {
		if aws.ToString(d.JobDefinitionName) == aws.ToString(in.JobDefinitionName) && aws.ToString(d.Status) == aws.ToString(in.Status) {
			out.JobDefinitions = append(out.JobDefinitions, d)
		}
	}
	return out, nil
}

func (f *fakeBatch) RegisterJobDefinition(_ context.Context, in *awsbatch.RegisterJobDefinitionInput, _ ...func(*awsbatch.Options)) (*awsbatch.RegisterJobDefinitionOutput, error) {
	f.registered = append(f.registered, in)
	rev := int32(len(f.defs) + 1)
	arn := "arn:jd/" + aws.ToString(in.JobDefinitionName) + ":" + strconv.Itoa(int(rev))
	f.defs = append(f.defs, batchtypes.JobDefinition{
		JobDefinitionName:   in.JobDefinitionName,
		JobDefinitionArn:    aws.String(arn),
		Revision:            aws.Int32(rev),
		Status:              aws.String("ACTIVE"),
		ContainerProperties: in.ContainerProperties,
	})
	return &awsbatch.RegisterJobDefinitionOutput{JobDefinitionArn: aws.String(arn), Revision: aws.Int32(rev)}, nil
}

func (f *fakeBatch) DeregisterJobDefinition(_ context.Context, in *awsbatch.DeregisterJobDefinitionInput, _ ...func(*awsbatch.Options)) (*awsbatch.DeregisterJobDefinitionOutput, error) {
	f.deregisters = append(f.deregisters, aws.ToString(in.JobDefinition))
	for i := range f.defs {
		if aws.ToString(f.defs[i].JobDefinitionArn) == aws.ToString(in.JobDefinition) {
			f.defs[i].Status = aws.String("INACTIVE")
		}
	}
	return &awsbatch.DeregisterJobDefinitionOutput{}, nil
}

type fakeLogs struct {
	streams   map[string][]string
	throttle  bool
	logGroups map[string]bool
}

func (f *fakeLogs) GetLogEvents(_ context.Context, in *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	if f.throttle {
		return nil, apiError("ThrottlingException")
	}
	lines, ok := f.streams[aws.ToString(in.LogStreamName)]
	if !ok {
		return nil, apiError("ResourceNotFoundException")
	}
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	out := &cloudwatchlogs.GetLogEventsOutput{NextForwardToken: aws.String(strconv.Itoa(len(lines)))}
	for i, l := range lines[start:] {
		out.Events = append(out.Events, logtypes.OutputLogEvent{Message: aws.String(l), Timestamp: aws.Int64(int64(1000 * (start + i)))})
	}
	return out, nil
}

func (f *fakeLogs) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	if f.logGroups == nil {
		f.logGroups = map[string]bool{}
	}
	if f.logGroups[aws.ToString(in.LogGroupName)] {
		return nil, apiError("ResourceAlreadyExistsException")
	}
	f.logGroups[aws.ToString(in.LogGroupName)] = true
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

type fakeIAM struct {
	roles      map[string]string
	attached   map[string][]string
	inline     map[string]string
	slrExists  bool
	slrDenied  bool
	slrCreated bool
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{roles: map[string]string{}, attached: map[string][]string{}, inline: map[string]string{}}
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	arn, ok := f.roles[aws.ToString(in.RoleName)]
	if !ok {
		return nil, apiError("NoSuchEntity")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn), RoleName: in.RoleName}}, nil
}

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	arn := "arn:aws:iam::123456789012:role/" + aws.ToString(in.RoleName)
	f.roles[aws.ToString(in.RoleName)] = arn
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn), RoleName: in.RoleName}}, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.attached[aws.ToString(in.RoleName)] = append(f.attached[aws.ToString(in.RoleName)], aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.inline[aws.ToString(in.RoleName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) CreateServiceLinkedRole(context.Context, *iam.CreateServiceLinkedRoleInput, ...func(*iam.Options)) (*iam.CreateServiceLinkedRoleOutput, error) {
	switch {
	case f.slrDenied:
		return nil, apiError("AccessDenied")
	case f.slrExists:
		return nil, apiError("InvalidInput")
	}
	f.slrCreated = true
	return &iam.CreateServiceLinkedRoleOutput{}, nil
}

// fakeEC2 serves a default VPC with two subnets.
type fakeEC2 struct{}

func (fakeEC2) DescribeVpcs(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{VpcId: aws.String("vpc-def"), IsDefault: aws.Bool(true)}}}, nil
}

func (fakeEC2) DescribeSubnets(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{
		{SubnetId: aws.String("subnet-a"), VpcId: aws.String("vpc-def"), AvailabilityZone: aws.String("a"), AvailableIpAddressCount: aws.Int32(10)},
		{SubnetId: aws.String("subnet-b"), VpcId: aws.String("vpc-def"), AvailabilityZone: aws.String("b"), AvailableIpAddressCount: aws.Int32(20)},
	}}, nil
}

func (fakeEC2) DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []ec2types.SecurityGroup{{GroupId: aws.String("sg-def")}}}, nil
}

func (fakeEC2) DescribeRouteTables(context.Context, *ec2.DescribeRouteTablesInput, ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{}, nil
}

func (fakeEC2) DescribeVpcEndpoints(context.Context, *ec2.DescribeVpcEndpointsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error) {
	return &ec2.DescribeVpcEndpointsOutput{}, nil
}

func (fakeEC2) CreateVpcEndpoint(context.Context, *ec2.CreateVpcEndpointInput, ...func(*ec2.Options)) (*ec2.CreateVpcEndpointOutput, error) {
	return &ec2.CreateVpcEndpointOutput{}, nil
}

func (fakeEC2) ModifyVpcEndpoint(context.Context, *ec2.ModifyVpcEndpointInput, ...func(*ec2.Options)) (*ec2.ModifyVpcEndpointOutput, error) {
	return &ec2.ModifyVpcEndpointOutput{}, nil
}

type testEnv struct {
	batch *fakeBatch
	logs  *fakeLogs
	iam   *fakeIAM
	orch  *Orchestrator
}

func newTestEnv() *testEnv {
	cfg := config.NewDefaultConfig()
	env := &testEnv{
		batch: newFakeBatch(),
		logs:  &fakeLogs{streams: map[string][]string{}},
		iam:   newFakeIAM(),
	}
	env.orch = NewWithClients(cfg, "us-east-2", "123456789012", Clients{
		Batch: env.batch,
		Logs:  env.logs,
		IAM:   env.iam,
		EC2:   fakeEC2{},
	})
	env.orch.waitAttempts = 5
	env.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return env
}
