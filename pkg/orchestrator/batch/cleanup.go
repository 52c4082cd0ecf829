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
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"

	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
)

// Cleanup removes the job queue, the compute environment and every ACTIVE
// revision of the job definition. Missing resources are skipped.
func (o *Orchestrator) Cleanup(ctx context.Context, _ orchestrator.CleanupOptions) error {
	if err := o.deleteJobQueue(ctx, o.cfg.JobQueue); err != nil {
		return err
	}
	logging.Info("Deleting compute environment %s", o.cfg.ComputeEnv)
	if err := o.deleteComputeEnvironment(ctx); err != nil {
		return err
	}

	defs, err := o.activeJobDefinitions(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		arn := aws.ToString(d.JobDefinitionArn)
		if _, err := o.c.Batch.DeregisterJobDefinition(ctx, &awsbatch.DeregisterJobDefinitionInput{
			JobDefinition: aws.String(arn),
		}); err != nil {
			return fmt.Errorf("failed to deregister %s: %w", arn, err)
		}
		logging.Info("Deregistered %s", arn)
	}
	return nil
}
