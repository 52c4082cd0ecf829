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

package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"shardrun/pkg/config"
	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/storage"
	"shardrun/pkg/tracker"
)

// Downloader fetches run results from the bucket.
type Downloader interface {
	Download(ctx context.Context, prefix, dest string) (storage.DownloadResult, error)
}

// RunOptions holds the per-invocation parameters of the 'run' command.
type RunOptions struct {
	Backend        string
	Shards         int
	Name           string        // job name; default shardrun-<run id>
	OutputManifest string        // If set, the workload is saved here instead of submitted
	Timeout        time.Duration // 0 uses job.timeout from the config
	Download       bool
}

// Workflow wires a backend, the bucket and the local filesystem together.
type Workflow struct {
	Config       *config.Config
	Orchestrator orchestrator.Orchestrator
	Store        Downloader
	Bucket       string

	Out      io.Writer
	Fs       afero.Fs
	Now      func() time.Time
	NewRunID func() string
	// Sleep overrides the tracker's wait between polls.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Report is the YAML record written after every tracked run.
type Report struct {
	RunID      string         `yaml:"run_id"`
	Backend    string         `yaml:"backend"`
	JobID      string         `yaml:"job_id"`
	JobName    string         `yaml:"job_name"`
	Declared   int            `yaml:"declared"`
	Succeeded  int            `yaml:"succeeded"`
	Failed     int            `yaml:"failed"`
	Statuses   map[string]int `yaml:"statuses"`
	Phase      string         `yaml:"phase"`
	Started    string         `yaml:"started"`
	Finished   string         `yaml:"finished"`
	Downloaded int            `yaml:"downloaded,omitempty"`
	Error      string         `yaml:"error,omitempty"`
}

// NewRunID returns a sortable unique id such as 20261019-101500-1b4e28ba.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func (w *Workflow) setDefaults() {
	if w.Out == nil {
		w.Out = os.Stdout
	}
	if w.Fs == nil {
		w.Fs = afero.NewOsFs()
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.NewRunID == nil {
		w.NewRunID = func() string { return NewRunID(w.Now()) }
	}
}

func (w *Workflow) trackerOptions(timeout time.Duration) tracker.Options {
	job := w.Config.Job
	if timeout <= 0 {
		timeout = job.TimeoutDuration()
	}
	return tracker.Options{
		PollInterval:      job.PollIntervalDuration(),
		FirstUnitInterval: job.FirstUnitIntervalDuration(),
		FirstUnitAttempts: job.FirstUnitAttempts,
		Timeout:           timeout,
		Out:               w.Out,
		Sleep:             w.Sleep,
		OnPhase: func(p tracker.Phase) {
			logging.Debug("Tracker phase: %s", p)
		},
	}
}

// ExecuteRun submits one array job, tracks it to completion, downloads the
// results and writes the run report. The report is returned even when tracking
// fails; failed shards are reported but are not an error.
func ExecuteRun(ctx context.Context, w *Workflow, opts RunOptions) (*Report, error) {
	w.setDefaults()
	logging.Info("Starting shardrun run workflow...")

	started := w.Now()
	runID := w.NewRunID()
	name := opts.Name
	if name == "" {
		name = "shardrun-" + runID
	}

	def := orchestrator.JobDefinition{
		RunID:          runID,
		Name:           name,
		Shards:         opts.Shards,
		Bucket:         w.Bucket,
		InputBase:      w.Config.Job.InputBase,
		OutputBase:     w.Config.Job.OutputBase,
		ProcessCap:     w.Config.Job.ProcessCap,
		OutputManifest: opts.OutputManifest,
	}

	job, err := w.Orchestrator.SubmitJob(ctx, def)
	if errors.Is(err, orchestrator.ErrManifestWritten) {
		logging.Info("Manifest saved to %s, nothing was submitted.", opts.OutputManifest)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	logging.Info("Submitted %s, run id %s", job, runID)

	src, topts := w.Orchestrator.Watch(job, w.trackerOptions(opts.Timeout))
	res, trackErr := tracker.New(src, topts).Run(ctx, job)

	report := &Report{
		RunID:    runID,
		Backend:  opts.Backend,
		JobID:    job.ID,
		JobName:  job.Name,
		Declared: job.Size,
		Started:  started.UTC().Format(time.RFC3339),
	}
	if res != nil {
		report.Succeeded = res.Summary.Succeeded()
		report.Failed = res.Summary.Failed()
		report.Statuses = res.Summary.Counts()
		report.Phase = res.Phase.String()
		logging.Info("Array summary -> succeeded=%d failed=%d", report.Succeeded, report.Failed)
	}

	if trackErr == nil {
		if err := w.Orchestrator.Finish(ctx, job, res); err != nil {
			logging.Warn("Post-run step failed: %v", err)
		}
		if report.Failed > 0 {
			logging.Warn("%d of %d shards failed", report.Failed, job.Size)
		}
		if opts.Download && w.Store != nil {
			dl, err := w.Store.Download(ctx, w.Config.Job.OutputBase, w.Config.Paths.ResultsDir)
			if err != nil {
				trackErr = fmt.Errorf("failed to download results: %w", err)
			}
			report.Downloaded = dl.Downloaded
		}
	}
	if trackErr != nil {
		report.Error = trackErr.Error()
	}
	report.Finished = w.Now().UTC().Format(time.RFC3339)

	path, err := w.writeReport(report)
	if err != nil {
		return report, errors.Join(trackErr, err)
	}
	logging.Info("Run report written to %s", path)
	return report, trackErr
}

func (w *Workflow) writeReport(r *Report) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	dir := w.Config.Paths.ReportDir
	if err := w.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.yaml", r.RunID))
	if err := afero.WriteFile(w.Fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write run report %s: %w", path, err)
	}
	return path, nil
}
