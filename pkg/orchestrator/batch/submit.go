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
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/tracker"
)

// Batch array jobs must have between 2 and 10000 children.
const (
	minArraySize = 2
	maxArraySize = 10000
)

var errManifestUnsupported = errors.New("--output-manifest is only supported by the eks backend")

// SubmitJob submits def as an array job tagged with its run id.
func (o *Orchestrator) SubmitJob(ctx context.Context, def orchestrator.JobDefinition) (tracker.ArrayJob, error) {
	if def.OutputManifest != "" {
		return tracker.ArrayJob{}, errManifestUnsupported
	}
	if def.Shards < minArraySize || def.Shards > maxArraySize {
		return tracker.ArrayJob{}, fmt.Errorf("AWS Batch array size must be between %d and %d, got %d", minArraySize, maxArraySize, def.Shards)
	}

	in := &awsbatch.SubmitJobInput{
		JobName:         aws.String(def.Name),
		JobQueue:        aws.String(o.cfg.JobQueue),
		JobDefinition:   aws.String(o.cfg.JobDefinition),
		ArrayProperties: &batchtypes.ArrayProperties{Size: aws.Int32(int32(def.Shards))},
		ContainerOverrides: &batchtypes.ContainerOverrides{
			Environment: keyValues(def.Environment()),
		},
		Tags:          map[string]string{"run": def.RunID},
		PropagateTags: aws.Bool(true),
	}
	if len(def.Command) > 0 {
		in.ContainerOverrides.Command = def.Command
	}

	logging.Info("Submitting array job %s (size %d) to queue %s", def.Name, def.Shards, o.cfg.JobQueue)
	out, err := o.c.Batch.SubmitJob(ctx, in)
	if err != nil {
		return tracker.ArrayJob{}, fmt.Errorf("failed to submit job %s: %w", def.Name, err)
	}
	job := tracker.ArrayJob{
		ID:        aws.ToString(out.JobId),
		Name:      aws.ToString(out.JobName),
		RunID:     def.RunID,
		Size:      def.Shards,
		CreatedAt: time.Now(),
	}
	logging.Info("Submitted array job %s", job.ID)
	return job, nil
}

// Watch tracks children through ListJobs and drains their CloudWatch streams.
func (o *Orchestrator) Watch(job tracker.ArrayJob, opts tracker.Options) (tracker.Source, tracker.Options) {
	opts.Logs = logFetcher{api: o.c.Logs}
	return newSource(o.c.Batch, o.cfg.LogGroup), opts
}

// Finish reports the reason of every failed child.
func (o *Orchestrator) Finish(ctx context.Context, job tracker.ArrayJob, res *tracker.Result) error {
	var failed []string
	for _, c := range res.Children {
		if c.Status == tracker.StatusFailed {
			failed = append(failed, c.ID)
		}
	}
	for start := 0; start < len(failed); start += describeChunk {
		end := min(start+describeChunk, len(failed))
		out, err := o.c.Batch.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: failed[start:end]})
		if err != nil {
			return fmt.Errorf("failed to describe failed children: %w", err)
		}
		sort.Slice(out.Jobs, func(i, j int) bool { return aws.ToString(out.Jobs[i].JobId) < aws.ToString(out.Jobs[j].JobId) })
		for _, d := range out.Jobs {
			logging.Warn("Child %s failed: %s", aws.ToString(d.JobId), failureReason(d))
		}
	}
	return nil
}

func failureReason(d batchtypes.JobDetail) string {
	if d.Container != nil {
		if d.Container.Reason != nil {
			return aws.ToString(d.Container.Reason)
		}
		if d.Container.ExitCode != nil {
			return fmt.Sprintf("exit code %d", *d.Container.ExitCode)
		}
	}
	if d.StatusReason != nil {
		return aws.ToString(d.StatusReason)
	}
	return "no reason reported"
}

func keyValues(env map[string]string) []batchtypes.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]batchtypes.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, batchtypes.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}
