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

package tracker

import (
	"fmt"
	"testing"
)

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name    string
		summary StatusSummary
		size    int
		parent  Status
		want    bool
	}{
		{"nothing finished", StatusSummary{StatusRunning: 3}, 3, StatusRunning, false},
		{"all succeeded", StatusSummary{StatusSucceeded: 3}, 3, StatusRunning, true},
		{"mixed outcome", StatusSummary{StatusSucceeded: 3, StatusFailed: 2}, 5, StatusRunning, true},
		{"one short", StatusSummary{StatusSucceeded: 3, StatusFailed: 1, StatusRunning: 1}, 5, StatusRunning, false},
		{"more children than declared", StatusSummary{StatusSucceeded: 6}, 5, StatusPending, true},
		{"parent failed early", StatusSummary{StatusRunning: 2}, 5, StatusFailed, true},
		{"parent succeeded", StatusSummary{}, 5, StatusSucceeded, true},
		{"parent unknown", StatusSummary{StatusSucceeded: 4}, 5, StatusUnknown, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsComplete(tc.summary, tc.size, tc.parent); got != tc.want {
				t.Errorf("IsComplete(%v, %d, %s) = %v, want %v", tc.summary, tc.size, tc.parent, got, tc.want)
			}
		})
	}
}

// Completion depends only on succeeded+failed, never on how it is split.
func TestIsCompleteAnyPartition(t *testing.T) {
	for n := 1; n <= 8; n++ {
		for k := 0; k <= n+1; k++ {
			for s := 0; s <= k; s++ {
				sum := StatusSummary{StatusSucceeded: s, StatusFailed: k - s, StatusRunning: 2}
				name := fmt.Sprintf("n=%d/s=%d/f=%d", n, s, k-s)
				if got, want := IsComplete(sum, n, StatusRunning), k >= n; got != want {
					t.Errorf("%s: IsComplete = %v, want %v", name, got, want)
				}
			}
		}
	}
}

func TestSummarize(t *testing.T) {
	children := []ChildUnit{
		{ID: "a", Status: StatusSucceeded},
		{ID: "b", Status: StatusRunning},
		{ID: "c", Status: StatusSucceeded},
		{ID: "d", Status: StatusFailed},
	}
	s := Summarize(children)
	if s.Succeeded() != 2 || s.Failed() != 1 || s.Total() != 4 || s.Finished() != 3 {
		t.Errorf("unexpected summary %v", s)
	}
	if got, want := s.String(), "FAILED=1 RUNNING=1 SUCCEEDED=2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Summarize(nil).String(); got != "" {
		t.Errorf("empty summary renders %q", got)
	}
}
