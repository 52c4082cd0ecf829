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

// Package tracker follows an array job to completion: it lists the job's child
// units, reduces them to status counts, drains their logs and decides when the
// job is finished. Both execution backends plug into it through Source.
package tracker

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the normalized state of a child unit or of the parent job.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// rank orders statuses by progress so a child seen under two statuses in one
// listing keeps the more advanced one.
func (s Status) rank() int {
	switch s {
	case StatusSubmitted:
		return 1
	case StatusPending:
		return 2
	case StatusRunnable:
		return 3
	case StatusStarting:
		return 4
	case StatusRunning:
		return 5
	case StatusSucceeded, StatusFailed:
		return 6
	}
	return 0
}

// ArrayJob identifies a submitted array or indexed job.
type ArrayJob struct {
	ID        string
	Name      string
	RunID     string
	Size      int
	CreatedAt time.Time
}

func (j ArrayJob) String() string {
	return fmt.Sprintf("%s (%s, size %d)", j.Name, j.ID, j.Size)
}

// StreamRef names one log stream. An empty Stream means no logs are available yet.
type StreamRef struct {
	Group  string
	Stream string
}

func (r StreamRef) key() string {
	return r.Group + "\x00" + r.Stream
}

func (r StreamRef) IsZero() bool {
	return r.Stream == ""
}

// ChildUnit is one observed element of an array job.
type ChildUnit struct {
	ID        string
	Index     int
	Status    Status
	Stream    StreamRef
	CreatedAt time.Time
}

// StatusSummary counts children per status. It is recomputed on every poll.
type StatusSummary map[Status]int

// Summarize counts children by status.
func Summarize(children []ChildUnit) StatusSummary {
	s := StatusSummary{}
	for _, c := range children {
		s[c.Status]++
	}
	return s
}

func (s StatusSummary) Succeeded() int { return s[StatusSucceeded] }

func (s StatusSummary) Failed() int { return s[StatusFailed] }

// Finished is the number of children in a terminal status.
func (s StatusSummary) Finished() int { return s.Succeeded() + s.Failed() }

func (s StatusSummary) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// String renders the counts as space separated KEY=VALUE pairs sorted by key.
func (s StatusSummary) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s[Status(k)]))
	}
	return strings.Join(parts, " ")
}

// Counts returns a plain map copy keyed by status name.
func (s StatusSummary) Counts() map[string]int {
	m := make(map[string]int, len(s))
	for k, v := range s {
		m[string(k)] = v
	}
	return m
}
