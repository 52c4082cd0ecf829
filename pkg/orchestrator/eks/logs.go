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
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"shardrun/pkg/tracker"
)

// podLogs reads container logs of a pod. StreamRef.Group is the namespace and
// Stream the pod name; the forward token is the number of complete lines
// already read.
type podLogs struct {
	kube      kubernetes.Interface
	container string
}

func (p podLogs) GetEvents(ctx context.Context, ref tracker.StreamRef, token string) (tracker.LogPage, error) {
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return tracker.LogPage{}, fmt.Errorf("invalid log offset %q", token)
		}
		offset = n
	}

	raw, err := p.kube.CoreV1().Pods(ref.Group).GetLogs(ref.Stream, &corev1.PodLogOptions{Container: p.container}).DoRaw(ctx)
	if err != nil {
		return tracker.LogPage{}, classifyLogError(ref, err)
	}

	lines, partial := splitLines(string(raw))
	if partial != "" && p.finished(ctx, ref) {
		lines = append(lines, partial)
	}
	offset = min(offset, len(lines))
	page := tracker.LogPage{NextToken: strconv.Itoa(len(lines))}
	for _, l := range lines[offset:] {
		page.Events = append(page.Events, tracker.LogEvent{Message: l})
	}
	return page, nil
}

// finished reports whether the pod has stopped, so an unterminated last line
// will not grow any more.
func (p podLogs) finished(ctx context.Context, ref tracker.StreamRef) bool {
	pod, err := p.kube.CoreV1().Pods(ref.Group).Get(ctx, ref.Stream, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

func classifyLogError(ref tracker.StreamRef, err error) error {
	switch {
	// a container that is still waiting to start answers BadRequest
	case apierrors.IsNotFound(err), apierrors.IsBadRequest(err):
		return fmt.Errorf("%w: %v", tracker.ErrStreamNotFound, err)
	case apierrors.IsTooManyRequests(err):
		return fmt.Errorf("%w: %v", tracker.ErrThrottled, err)
	}
	return fmt.Errorf("failed to read logs of %s/%s: %w", ref.Group, ref.Stream, err)
}

// splitLines returns the newline-terminated lines of s and the unterminated
// remainder, which may still be written to.
func splitLines(s string) ([]string, string) {
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return nil, s
	}
	return strings.Split(s[:i], "\n"), s[i+1:]
}
