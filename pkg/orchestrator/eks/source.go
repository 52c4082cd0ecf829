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
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"shardrun/pkg/tracker"
)

const podPageSize = 200

var podPhases = map[tracker.Status]corev1.PodPhase{
	tracker.StatusPending:   corev1.PodPending,
	tracker.StatusRunning:   corev1.PodRunning,
	tracker.StatusSucceeded: corev1.PodSucceeded,
	tracker.StatusFailed:    corev1.PodFailed,
}

var podStatuses = []tracker.Status{
	tracker.StatusPending,
	tracker.StatusRunning,
	tracker.StatusSucceeded,
	tracker.StatusFailed,
}

// podSelector matches the pods of one run of a job.
func podSelector(jobName, runID string) string {
	set := labels.Set{jobNameLabel: jobName}
	if runID != "" {
		set[runIDLabel] = runID
	}
	return labels.SelectorFromSet(set).String()
}

// podSource lists the pods of an Indexed Job one phase at a time. Pods are
// keyed by completion index, so a retried index counts once with its newest pod.
type podSource struct {
	kube      kubernetes.Interface
	namespace string
	pageSize  int64
}

func (s *podSource) Statuses() []tracker.Status {
	return podStatuses
}

func (s *podSource) ListChildren(ctx context.Context, job tracker.ArrayJob, status tracker.Status, token string) (tracker.ChildPage, error) {
	phase, ok := podPhases[status]
	if !ok {
		return tracker.ChildPage{}, fmt.Errorf("no pod phase for status %s", status)
	}
	list, err := s.kube.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: podSelector(job.ID, job.RunID),
		FieldSelector: fields.OneTermEqualSelector("status.phase", string(phase)).String(),
		Limit:         s.pageSize,
		Continue:      token,
	})
	if err != nil {
		return tracker.ChildPage{}, err
	}

	page := tracker.ChildPage{NextToken: list.Continue}
	for i := range list.Items {
		pod := &list.Items[i]
		// field selectors are advisory for some API servers
		if pod.Status.Phase != phase {
			continue
		}
		page.Children = append(page.Children, childFromPod(pod, status))
	}
	return page, nil
}

func childFromPod(pod *corev1.Pod, status tracker.Status) tracker.ChildUnit {
	c := tracker.ChildUnit{
		ID:        pod.Name,
		Index:     -1,
		Status:    status,
		CreatedAt: pod.CreationTimestamp.Time,
	}
	if idx, ok := completionIndex(pod); ok {
		c.ID = "index-" + strconv.Itoa(idx)
		c.Index = idx
	}
	if status != tracker.StatusPending {
		c.Stream = tracker.StreamRef{Group: pod.Namespace, Stream: pod.Name}
	}
	return c
}

func completionIndex(pod *corev1.Pod) (int, bool) {
	v, ok := pod.Annotations[completionIndexKey]
	if !ok {
		v, ok = pod.Labels[completionIndexKey]
	}
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(v)
	return idx, err == nil
}

// DescribeParent reads the Job's terminal conditions and its counters.
func (s *podSource) DescribeParent(ctx context.Context, job tracker.ArrayJob) (tracker.ParentState, error) {
	j, err := s.kube.BatchV1().Jobs(s.namespace).Get(ctx, job.ID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return tracker.ParentState{Status: tracker.StatusUnknown}, nil
	}
	if err != nil {
		return tracker.ParentState{}, err
	}
	return tracker.ParentState{
		Status: jobStatus(j),
		Detail: fmt.Sprintf("job active=%d succeeded=%d failed=%d", j.Status.Active, j.Status.Succeeded, j.Status.Failed),
	}, nil
}

func jobStatus(j *batchv1.Job) tracker.Status {
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return tracker.StatusSucceeded
		case batchv1.JobFailed:
			return tracker.StatusFailed
		}
	}
	if j.Status.Active > 0 {
		return tracker.StatusRunning
	}
	return tracker.StatusPending
}
