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
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"shardrun/pkg/tracker"
)

// describeChunk is the most job ids DescribeJobs accepts per call.
const describeChunk = 100

var childStatuses = []tracker.Status{
	tracker.StatusSubmitted,
	tracker.StatusPending,
	tracker.StatusRunnable,
	tracker.StatusStarting,
	tracker.StatusRunning,
	tracker.StatusSucceeded,
	tracker.StatusFailed,
}

// source lists the children of a Batch array job and resolves their log streams.
type source struct {
	api      BatchAPI
	logGroup string
	streams  map[string]string
}

func newSource(api BatchAPI, logGroup string) *source {
	return &source{api: api, logGroup: logGroup, streams: map[string]string{}}
}

func (s *source) Statuses() []tracker.Status {
	return childStatuses
}

func (s *source) ListChildren(ctx context.Context, job tracker.ArrayJob, status tracker.Status, token string) (tracker.ChildPage, error) {
	in := &awsbatch.ListJobsInput{
		ArrayJobId: aws.String(job.ID),
		JobStatus:  batchtypes.JobStatus(status),
		MaxResults: aws.Int32(100),
	}
	if token != "" {
		in.NextToken = aws.String(token)
	}
	out, err := s.api.ListJobs(ctx, in)
	if err != nil {
		return tracker.ChildPage{}, err
	}

	page := tracker.ChildPage{NextToken: aws.ToString(out.NextToken)}
	var unresolved []tracker.ChildUnit
	for _, js := range out.JobSummaryList {
		c := tracker.ChildUnit{
			ID:     aws.ToString(js.JobId),
			Index:  childIndex(js),
			Status: normalize(js.Status),
		}
		if js.CreatedAt != nil {
			c.CreatedAt = time.UnixMilli(*js.CreatedAt)
		}
		if hasLogs(c.Status) {
			if _, ok := s.streams[c.ID]; !ok {
				unresolved = append(unresolved, c)
			}
		}
		page.Children = append(page.Children, c)
	}

	if err := s.resolveStreams(ctx, unresolved); err != nil {
		return tracker.ChildPage{}, err
	}
	for i := range page.Children {
		if name := s.streams[page.Children[i].ID]; name != "" {
			page.Children[i].Stream = tracker.StreamRef{Group: s.logGroup, Stream: name}
		}
	}
	return page, nil
}

// resolveStreams describes children in chunks and caches their log stream
// names. A finished child without a stream never gets one, so it is cached
// as having none.
func (s *source) resolveStreams(ctx context.Context, children []tracker.ChildUnit) error {
	for start := 0; start < len(children); start += describeChunk {
		chunk := children[start:min(start+describeChunk, len(children))]
		ids := make([]string, len(chunk))
		for i, c := range chunk {
			ids[i] = c.ID
		}
		out, err := s.api.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: ids})
		if err != nil {
			return fmt.Errorf("failed to describe child jobs: %w", err)
		}
		for _, d := range out.Jobs {
			if d.Container != nil && d.Container.LogStreamName != nil {
				s.streams[aws.ToString(d.JobId)] = aws.ToString(d.Container.LogStreamName)
			}
		}
		for _, c := range chunk {
			if _, ok := s.streams[c.ID]; !ok && c.Status.Terminal() {
				s.streams[c.ID] = ""
			}
		}
	}
	return nil
}

// DescribeParent reports the parent's status and, for the heartbeat, the
// parent's own per-status summary.
func (s *source) DescribeParent(ctx context.Context, job tracker.ArrayJob) (tracker.ParentState, error) {
	out, err := s.api.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: []string{job.ID}})
	if err != nil {
		return tracker.ParentState{}, err
	}
	if len(out.Jobs) == 0 {
		return tracker.ParentState{Status: tracker.StatusUnknown}, nil
	}
	d := out.Jobs[0]
	st := tracker.ParentState{Status: normalize(d.Status)}
	if d.ArrayProperties != nil && len(d.ArrayProperties.StatusSummary) > 0 {
		keys := make([]string, 0, len(d.ArrayProperties.StatusSummary))
		for k := range d.ArrayProperties.StatusSummary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, d.ArrayProperties.StatusSummary[k]))
		}
		st.Detail = "parent " + strings.Join(parts, " ")
	}
	return st, nil
}

func childIndex(js batchtypes.JobSummary) int {
	if js.ArrayProperties != nil && js.ArrayProperties.Index != nil {
		return int(*js.ArrayProperties.Index)
	}
	if i := strings.LastIndex(aws.ToString(js.JobId), ":"); i >= 0 {
		var n int
		if _, err := fmt.Sscanf(aws.ToString(js.JobId)[i+1:], "%d", &n); err == nil {
			return n
		}
	}
	return -1
}

func hasLogs(s tracker.Status) bool {
	return s == tracker.StatusRunning || s.Terminal()
}

func normalize(s batchtypes.JobStatus) tracker.Status {
	for _, st := range childStatuses {
		if string(s) == string(st) {
			return st
		}
	}
	return tracker.StatusUnknown
}
