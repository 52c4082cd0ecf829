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
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/google/go-cmp/cmp"

	"shardrun/pkg/orchestrator"
)

func TestSetupFromScratch(t *testing.T) {
	env := newTestEnv()
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := env.iam.roles["ecsTaskExecutionRole"]; !ok {
		t.Error("execution role not created")
	}
	if diff := cmp.Diff([]string{taskExecutionPolicyARN}, env.iam.attached["ecsTaskExecutionRole"]); diff != "" {
		t.Errorf("execution role policies mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(env.iam.inline["shardrunJobRole"], "arn:aws:s3:::shardrun-us-east-2-123456789012/*") {
		t.Errorf("job role policy does not cover the bucket: %s", env.iam.inline["shardrunJobRole"])
	}
	if !env.iam.slrCreated {
		t.Error("service-linked role not created")
	}
	if !env.logs.logGroups["/aws/batch/job"] {
		t.Error("log group not created")
	}

	ce := env.batch.ces["shardrun-ce"]
	if ce == nil || ce.ComputeResources.Type != batchtypes.CRTypeFargate {
		t.Fatalf("compute environment = %+v", ce)
	}
	if diff := cmp.Diff([]string{"subnet-b", "subnet-a"}, ce.ComputeResources.Subnets); diff != "" {
		t.Errorf("subnets mismatch (-want +got):\n%s", diff)
	}
	q := env.batch.queues["shardrun-queue"]
	if q == nil || aws.ToString(q.ComputeEnvironmentOrder[0].ComputeEnvironment) != "arn:ce/shardrun-ce" {
		t.Fatalf("job queue = %+v", q)
	}

	if len(env.batch.registered) != 1 {
		t.Fatalf("registered %d job definitions", len(env.batch.registered))
	}
	cp := env.batch.registered[0].ContainerProperties
	if aws.ToString(cp.Image) != "123456789012.dkr.ecr.us-east-2.amazonaws.com/shardrun:latest" {
		t.Errorf("image = %s", aws.ToString(cp.Image))
	}
	if diff := cmp.Diff([]string{"worker"}, cp.Command); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	if cp.LogConfiguration.Options["awslogs-stream-prefix"] != "batch" {
		t.Errorf("log options = %v", cp.LogConfiguration.Options)
	}
	if cp.NetworkConfiguration.AssignPublicIp != batchtypes.AssignPublicIpDisabled {
		t.Errorf("assign public ip = %s", cp.NetworkConfiguration.AssignPublicIp)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	env := newTestEnv()
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.iam.slrCreated = false
	env.iam.slrExists = true
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(env.batch.registered) != 1 {
		t.Errorf("job definition registered %d times, want reuse", len(env.batch.registered))
	}
	if len(env.batch.deletedCEs) != 0 {
		t.Errorf("compute environment was recreated: %v", env.batch.deletedCEs)
	}
}

func TestSetupToleratesDeniedServiceLinkedRole(t *testing.T) {
	env := newTestEnv()
	env.iam.slrDenied = true
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSetupRecreatesLegacyComputeEnvironment(t *testing.T) {
	env := newTestEnv()
	env.batch.ces["shardrun-ce"] = &batchtypes.ComputeEnvironmentDetail{
		ComputeEnvironmentName: aws.String("shardrun-ce"),
		ComputeEnvironmentArn:  aws.String("arn:ce/shardrun-ce"),
		State:                  batchtypes.CEStateEnabled,
		Status:                 batchtypes.CEStatusInvalid,
		StatusReason:           aws.String("CLIENT_ERROR - AWSBatchServiceRole is not authorized"),
	}
	env.batch.queues["old-queue"] = &batchtypes.JobQueueDetail{
		JobQueueName:            aws.String("old-queue"),
		State:                   batchtypes.JQStateEnabled,
		Status:                  batchtypes.JQStatusValid,
		ComputeEnvironmentOrder: []batchtypes.ComputeEnvironmentOrder{{ComputeEnvironment: aws.String("arn:ce/shardrun-ce")}},
	}
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"shardrun-ce"}, env.batch.deletedCEs); diff != "" {
		t.Errorf("deleted environments mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"old-queue"}, env.batch.deletedQs); diff != "" {
		t.Errorf("deleted queues mismatch (-want +got):\n%s", diff)
	}
	if env.batch.ces["shardrun-ce"].Status != batchtypes.CEStatusValid {
		t.Error("compute environment not recreated")
	}
}

func TestSetupFailsOnOtherInvalidReason(t *testing.T) {
	env := newTestEnv()
	env.batch.ces["shardrun-ce"] = &batchtypes.ComputeEnvironmentDetail{
		ComputeEnvironmentName: aws.String("shardrun-ce"),
		Status:                 batchtypes.CEStatusInvalid,
		StatusReason:           aws.String("subnet not found"),
	}
	err := env.orch.Setup(context.Background())
	if err == nil || !strings.Contains(err.Error(), "subnet not found") {
		t.Errorf("err = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv()
	if err := env.orch.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.Cleanup(context.Background(), orchestrator.CleanupOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(env.batch.queues) != 0 || len(env.batch.ces) != 0 {
		t.Errorf("left behind queues %v environments %v", env.batch.queues, env.batch.ces)
	}
	if diff := cmp.Diff([]string{"arn:jd/shardrun-jobdef:1"}, env.batch.deregisters); diff != "" {
		t.Errorf("deregistered mismatch (-want +got):\n%s", diff)
	}

	// a second cleanup finds nothing to do
	if err := env.orch.Cleanup(context.Background(), orchestrator.CleanupOptions{}); err != nil {
		t.Fatal(err)
	}
}
