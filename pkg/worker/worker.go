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

// Package worker is the code that runs inside each array child: it sums the
// numbers of every input file of one shard and writes the sums back to the bucket.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"shardrun/pkg/storage"
)

// Environment variables read by the worker.
const (
	EnvBucket         = "BUCKET"
	EnvInputBase      = "INPUT_BASE"
	EnvOutputBase     = "OUTPUT_BASE"
	EnvProcessCap     = "PROCESS_CAP"
	EnvCompletionIdx  = "JOB_COMPLETION_INDEX"
	EnvBatchArrayIdx  = "AWS_BATCH_JOB_ARRAY_INDEX"
	defaultInputBase  = "input/"
	defaultOutputBase = "output/"
	progressEvery     = 10
)

// Store is the part of the object store a shard needs.
type Store interface {
	ListKeys(ctx context.Context, prefix string) ([]storage.Object, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutText(ctx context.Context, key, text string) error
}

// Params describe one shard.
type Params struct {
	Bucket     string
	InputBase  string
	OutputBase string
	// Shard is the 0-based array index.
	Shard int
	// ProcessCap limits how many files are processed; <= 0 means all.
	ProcessCap int
}

// InputPrefix is where the shard's files live, e.g. "input/1/".
func (p Params) InputPrefix() string {
	return fmt.Sprintf("%s%d/", p.InputBase, p.Shard+1)
}

// OutputKey is the shard's result object, e.g. "output/1/output.txt".
func (p Params) OutputKey() string {
	return fmt.Sprintf("%s%d/output.txt", p.OutputBase, p.Shard+1)
}

// ParamsFromEnv reads the shard parameters with lookup, usually os.LookupEnv.
// The index comes from JOB_COMPLETION_INDEX (Kubernetes) or
// AWS_BATCH_JOB_ARRAY_INDEX (Batch).
func ParamsFromEnv(lookup func(string) (string, bool)) (Params, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	p := Params{
		Bucket:     get(EnvBucket, ""),
		InputBase:  get(EnvInputBase, defaultInputBase),
		OutputBase: get(EnvOutputBase, defaultOutputBase),
	}
	if p.Bucket == "" {
		return p, fmt.Errorf("%s is not set", EnvBucket)
	}

	idx := get(EnvCompletionIdx, get(EnvBatchArrayIdx, ""))
	if idx == "" {
		return p, fmt.Errorf("neither %s nor %s is set", EnvCompletionIdx, EnvBatchArrayIdx)
	}
	shard, err := strconv.Atoi(idx)
	if err != nil || shard < 0 {
		return p, fmt.Errorf("invalid shard index %q", idx)
	}
	p.Shard = shard

	if raw := get(EnvProcessCap, ""); raw != "" {
		p.ProcessCap, err = strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("invalid %s %q: %w", EnvProcessCap, raw, err)
		}
	}
	return p, nil
}

// ParamsFromOS is ParamsFromEnv over the process environment.
func ParamsFromOS() (Params, error) {
	return ParamsFromEnv(os.LookupEnv)
}

type input struct {
	Numbers []float64 `json:"numbers"`
}

// Run processes one shard and returns the per-file sums in key order.
// Progress goes to out; those lines end up in the child's log stream.
func Run(ctx context.Context, store Store, p Params, out io.Writer) ([]float64, error) {
	objects, err := store.ListKeys(ctx, p.InputPrefix())
	if err != nil {
		return nil, err
	}
	if p.ProcessCap > 0 && len(objects) > p.ProcessCap {
		objects = objects[:p.ProcessCap]
	}

	sums := make([]float64, 0, len(objects))
	for i, o := range objects {
		if i%progressEvery == 0 {
			fmt.Fprintf(out, "Completed %d of %d\n", i, len(objects))
		}
		data, err := store.GetObject(ctx, o.Key)
		if err != nil {
			return nil, err
		}
		var in input
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", o.Key, err)
		}
		var sum float64
		for _, n := range in.Numbers {
			sum += n
		}
		sums = append(sums, sum)
	}

	var b strings.Builder
	for _, s := range sums {
		b.WriteString(strconv.FormatFloat(s, 'g', -1, 64))
		b.WriteByte('\n')
	}
	if err := store.PutText(ctx, p.OutputKey(), b.String()); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Wrote %d sums to s3://%s/%s\n", len(sums), p.Bucket, p.OutputKey())
	fmt.Fprintln(out, "All done")
	return sums, nil
}
