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

package eks

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/shell"
	"shardrun/pkg/tracker"
)

// kubectl refuses to follow more streams than --max-log-requests.
const (
	minLogRequests = 5
	maxLogRequests = 100
)

func (o *Orchestrator) jobName(def orchestrator.JobDefinition) string {
	if o.cfg.JobName != "" {
		return o.cfg.JobName
	}
	return def.Name
}

func (o *Orchestrator) manifestOptions(def orchestrator.JobDefinition) ManifestOptions {
	image := def.Image
	if image == "" {
		image = o.image
	}
	command := def.Command
	if len(command) == 0 {
		command = o.command
	}
	return ManifestOptions{
		Name:           o.jobName(def),
		Namespace:      o.cfg.Namespace,
		RunID:          def.RunID,
		Image:          image,
		Command:        command,
		Env:            def.Environment(),
		Completions:    def.Shards,
		BackoffLimit:   o.cfg.BackoffLimit,
		TTLSeconds:     o.cfg.TTLSeconds,
		ServiceAccount: o.cfg.ServiceAccount,
		CPU:            o.cfg.CPU,
		Memory:         o.cfg.Memory,
	}
}

// SubmitJob renders the Indexed Job and either writes it to
// def.OutputManifest or replaces any previous job of the same name with it.
func (o *Orchestrator) SubmitJob(ctx context.Context, def orchestrator.JobDefinition) (tracker.ArrayJob, error) {
	manifest, err := RenderManifest(o.manifestOptions(def))
	if err != nil {
		return tracker.ArrayJob{}, err
	}

	if def.OutputManifest != "" {
		logging.Info("Saving job manifest to %s", def.OutputManifest)
		if err := os.WriteFile(def.OutputManifest, []byte(manifest), 0644); err != nil {
			return tracker.ArrayJob{}, fmt.Errorf("failed to write job manifest to file %s: %w", def.OutputManifest, err)
		}
		return tracker.ArrayJob{Name: o.jobName(def), RunID: def.RunID, Size: def.Shards}, orchestrator.ErrManifestWritten
	}

	job, err := decodeJob(manifest)
	if err != nil {
		return tracker.ArrayJob{}, err
	}
	logging.Debug("Job manifest:\n%s", manifest)

	kube, err := o.kube()
	if err != nil {
		return tracker.ArrayJob{}, err
	}
	if err := o.deleteJob(ctx, kube, job.Name); err != nil {
		return tracker.ArrayJob{}, err
	}

	logging.Info("Creating indexed job %s/%s with %d completions", job.Namespace, job.Name, def.Shards)
	created, err := kube.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return tracker.ArrayJob{}, fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}
	createdAt := created.CreationTimestamp.Time
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return tracker.ArrayJob{
		ID:        created.Name,
		Name:      created.Name,
		RunID:     def.RunID,
		Size:      def.Shards,
		CreatedAt: createdAt,
	}, nil
}

// deleteJob removes job name and its pods and waits until no pod remains.
func (o *Orchestrator) deleteJob(ctx context.Context, kube kubernetes.Interface, name string) error {
	ns := o.cfg.Namespace
	err := kube.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr(metav1.DeletePropagationBackground),
	})
	switch {
	case apierrors.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	default:
		logging.Info("Deleted previous job %s", name)
	}

	selector := podSelector(name, "")
	pods, err := kube.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("failed to list pods of %s: %w", name, err)
	}
	for _, p := range pods.Items {
		if err := kube.CoreV1().Pods(ns).Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete pod %s: %w", p.Name, err)
		}
	}

	attempts := max(1, int(o.cfg.PodsGoneWaitDuration()/o.waitInterval))
	return o.waitFor(ctx, "pods of "+name+" to be gone", attempts, func() (bool, error) {
		pods, err := kube.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, err
		}
		if n := len(pods.Items); n > 0 {
			logging.Debug("%d pods of %s still terminating", n, name)
			return false, nil
		}
		return true, nil
	})
}

// Watch tracks the pods of a run started by SubmitJob. With tailing enabled a
// supervised `kubectl logs --follow` shows the live output; otherwise pod logs
// are drained through the tracker's cursors.
func (o *Orchestrator) Watch(job tracker.ArrayJob, opts tracker.Options) (tracker.Source, tracker.Options) {
	src := &podSource{kube: o.c.Kube, namespace: o.cfg.Namespace, pageSize: podPageSize}
	if o.tail {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		args := o.tailArgs(job)
		opts.Tail = tracker.NewSupervisor("kubectl logs", func(ctx context.Context) (tracker.Process, error) {
			p, err := o.startTail(ctx, args, out)
			if err != nil {
				return nil, err
			}
			return p, nil
		}, 0)
	} else {
		opts.Logs = podLogs{kube: o.c.Kube, container: containerName}
	}
	return src, opts
}

func (o *Orchestrator) tailArgs(job tracker.ArrayJob) []string {
	requests := min(max(job.Size, minLogRequests), maxLogRequests)
	args := []string{
		"logs",
		"--namespace", o.cfg.Namespace,
		"--selector", podSelector(job.ID, job.RunID),
		"--container", containerName,
		"--follow",
		"--prefix=true",
		"--max-log-requests", strconv.Itoa(requests),
	}
	if o.cfg.Kubeconfig != "" {
		args = append(args, "--kubeconfig", o.cfg.Kubeconfig)
	}
	return args
}

func startKubectl(ctx context.Context, args []string, out io.Writer) (*shell.Process, error) {
	return shell.NewCommand("kubectl", args...).Start(ctx, out, out)
}

// Finish prints the full log of the newest pod of every completion index.
func (o *Orchestrator) Finish(ctx context.Context, job tracker.ArrayJob, res *tracker.Result) error {
	logs := podLogs{kube: o.c.Kube, container: containerName}
	for _, c := range res.Children {
		if c.Stream.IsZero() {
			continue
		}
		fmt.Fprintf(o.out, "===== shard %d (%s, %s) =====\n", c.Index, c.Stream.Stream, c.Status)
		page, err := logs.GetEvents(ctx, c.Stream, "")
		if err != nil {
			logging.Warn("Could not read logs of %s: %v", c.Stream.Stream, err)
			continue
		}
		for _, ev := range page.Events {
			fmt.Fprintln(o.out, ev.Message)
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
