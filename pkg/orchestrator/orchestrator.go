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

package orchestrator

import (
	"context"
	"errors"
	"strconv"

	"shardrun/pkg/tracker"
)

// ErrManifestWritten is returned by SubmitJob when the workload was rendered
// to JobDefinition.OutputManifest instead of being submitted.
var ErrManifestWritten = errors.New("manifest written, job not submitted")

// JobDefinition holds the parameters of one sharded run. It is general enough
// for every backend; each implementation picks the fields relevant to it.
type JobDefinition struct {
	RunID          string
	Name           string
	Image          string
	Shards         int
	Bucket         string
	InputBase      string
	OutputBase     string
	ProcessCap     int
	Command        []string
	OutputManifest string // render the workload here instead of submitting it
}

// Environment is the worker environment shared by all shards.
func (j JobDefinition) Environment() map[string]string {
	return map[string]string{
		"BUCKET":      j.Bucket,
		"INPUT_BASE":  j.InputBase,
		"OUTPUT_BASE": j.OutputBase,
		"PROCESS_CAP": strconv.Itoa(j.ProcessCap),
	}
}

// Orchestrator submits array jobs to one execution backend and exposes them
// to the tracker.
type Orchestrator interface {
	// SubmitJob starts job and returns the handle to track.
	SubmitJob(ctx context.Context, job JobDefinition) (tracker.ArrayJob, error)
	// Watch returns the tracking source for a submitted job along with the
	// backend's additions to opts (log fetcher, tail process, heartbeat).
	Watch(job tracker.ArrayJob, opts tracker.Options) (tracker.Source, tracker.Options)
	// Finish runs backend specific steps once tracking is done.
	Finish(ctx context.Context, job tracker.ArrayJob, res *tracker.Result) error
}

// CleanupOptions select what Cleanup tears down beyond the backend's job resources.
type CleanupOptions struct {
	All bool // also remove long lived infrastructure such as the eks cluster
}

// Provisioner creates and removes the long lived resources of a backend.
type Provisioner interface {
	Setup(ctx context.Context) error
	Cleanup(ctx context.Context, opts CleanupOptions) error
}
