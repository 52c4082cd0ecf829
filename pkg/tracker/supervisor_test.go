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
	"context"
	"errors"
	"testing"
	"time"
)

// ensureUntil calls Ensure until cond holds.
func ensureUntil(t *testing.T, s *Supervisor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		if err := s.Ensure(context.Background()); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisorRestartLimit(t *testing.T) {
	starts := 0
	s := NewSupervisor("tail", func(ctx context.Context) (Process, error) {
		starts++
		exit := make(chan struct{})
		close(exit)
		return &fakeProcess{ctx: ctx, exit: exit}, nil
	}, 2)

	ensureUntil(t, s, func() bool { return s.Restarts() == 2 })
	// once the limit is reached further exits are not restarted
	for i := 0; i < 20; i++ {
		if err := s.Ensure(context.Background()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	if starts != 3 || s.Restarts() != 2 {
		t.Errorf("starts = %d restarts = %d, want 3 and 2", starts, s.Restarts())
	}
	s.Stop()
}

func TestSupervisorKeepsRunningProcess(t *testing.T) {
	starts := 0
	s := NewSupervisor("tail", func(ctx context.Context) (Process, error) {
		starts++
		return &fakeProcess{ctx: ctx, exit: make(chan struct{})}, nil
	}, 0)
	for i := 0; i < 5; i++ {
		if err := s.Ensure(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if starts != 1 {
		t.Errorf("started %d times, want 1", starts)
	}
	s.Stop()
	s.Stop()
}

func TestSupervisorStartFailure(t *testing.T) {
	boom := errors.New("kubectl not found")
	calls := 0
	s := NewSupervisor("tail", func(ctx context.Context) (Process, error) {
		calls++
		return nil, boom
	}, 0)
	if err := s.Ensure(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if err := s.Ensure(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if calls != 2 || s.Restarts() != 0 {
		t.Errorf("calls = %d restarts = %d", calls, s.Restarts())
	}
	s.Stop()
}
