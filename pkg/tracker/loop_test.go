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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// children returns n units where the first succeeded are SUCCEEDED, the next
// failed are FAILED and the rest RUNNING.
func children(n, succeeded, failed int) []ChildUnit {
	out := make([]ChildUnit, n)
	for i := range out {
		st := StatusRunning
		switch {
		case i < succeeded:
			st = StatusSucceeded
		case i < succeeded+failed:
			st = StatusFailed
		}
		out[i] = ChildUnit{
			ID:     fmt.Sprintf("job-1:%d", i),
			Index:  i,
			Status: st,
			Stream: StreamRef{Group: "g", Stream: fmt.Sprintf("s-%d", i)},
		}
	}
	return out
}

func TestRunOneSuccessPerTick(t *testing.T) {
	clock := &stepClock{}
	const appearAt = 2
	src := &fakeSource{
		pageSize: 3,
		children: func() []ChildUnit {
			tick := clock.now()
			if tick < appearAt {
				return nil
			}
			done := tick - appearAt + 1
			if done > 10 {
				done = 10
			}
			return children(10, done, 0)
		},
	}
	var phases []Phase
	var out bytes.Buffer
	tr := New(src, Options{
		Sleep:   clock.advance,
		Out:     &out,
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})

	res, err := tr.Run(context.Background(), ArrayJob{ID: "job-1", Size: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantPhases := []Phase{PhaseWaitingForFirstUnit, PhasePolling, PhaseDrainingFinal, PhaseDone}
	if diff := cmp.Diff(wantPhases, phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StatusSummary{StatusSucceeded: 10}, res.Summary); diff != "" {
		t.Errorf("final summary mismatch (-want +got):\n%s", diff)
	}
	if res.Polls != 10 {
		t.Errorf("Polls = %d, want 10", res.Polls)
	}
	if res.Phase != PhaseDone {
		t.Errorf("Phase = %s", res.Phase)
	}
	if got := strings.Count(out.String(), "[array] "); got != 10 {
		t.Errorf("printed %d heartbeats, want 10", got)
	}
	if !strings.Contains(out.String(), "[array] SUCCEEDED=10 (10/10 finished)") {
		t.Errorf("missing final heartbeat in %q", out.String())
	}
}

func TestRunMixedOutcomeWithoutTerminalParent(t *testing.T) {
	clock := &stepClock{}
	src := &fakeSource{
		children: func() []ChildUnit {
			if clock.now() < 3 {
				return children(5, clock.now(), 0)
			}
			return children(5, 3, 2)
		},
		parent: func() ParentState { return ParentState{Status: StatusRunning} },
	}
	res, err := New(src, Options{Sleep: clock.advance, Out: &bytes.Buffer{}}).Run(context.Background(), ArrayJob{ID: "job-1", Size: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Succeeded() != 3 || res.Summary.Failed() != 2 {
		t.Errorf("summary = %v, want 3 succeeded 2 failed", res.Summary)
	}
	if res.Parent.Status != StatusRunning {
		t.Errorf("parent = %s", res.Parent.Status)
	}
}

func TestRunStreamAppearsLate(t *testing.T) {
	clock := &stepClock{}
	logs := newFakeLogs()
	logs.append("s-0", "starting", "processed 10 files", "All done")
	logs.missing["s-0"] = 3
	src := &fakeSource{
		children: func() []ChildUnit {
			if clock.now() < 5 {
				return children(1, 0, 0)
			}
			return children(1, 1, 0)
		},
	}
	var out bytes.Buffer
	res, err := New(src, Options{Sleep: clock.advance, Out: &out, Logs: logs}).Run(context.Background(), ArrayJob{ID: "job-1", Size: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Succeeded() != 1 {
		t.Errorf("summary = %v", res.Summary)
	}
	want := "[0] starting\n[0] processed 10 files\n[0] All done\n"
	if !strings.Contains(out.String(), want) {
		t.Errorf("output %q does not contain the whole stream in order", out.String())
	}
	if strings.Count(out.String(), "[0] starting") != 1 {
		t.Errorf("lines repeated: %q", out.String())
	}
	if logs.calls["s-0"] <= 3 {
		t.Errorf("stream polled %d times, expected retries past the missing window", logs.calls["s-0"])
	}
}

func TestRunFinalDrainCatchesLateLines(t *testing.T) {
	clock := &stepClock{}
	logs := newFakeLogs()
	logs.append("s-0", "first")
	src := &fakeSource{
		children: func() []ChildUnit {
			if clock.now() == 0 {
				return children(1, 0, 0)
			}
			return children(1, 1, 0)
		},
	}
	var out bytes.Buffer
	sleep := func(ctx context.Context, d time.Duration) error {
		logs.append("s-0", "last words")
		return clock.advance(ctx, d)
	}
	if _, err := New(src, Options{Sleep: sleep, Out: &out, Logs: logs}).Run(context.Background(), ArrayJob{ID: "j", Size: 1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "[0] last words") {
		t.Errorf("final lines not drained: %q", out.String())
	}
}

func TestRunParentTerminalEndsLoop(t *testing.T) {
	src := &fakeSource{
		children: func() []ChildUnit { return children(4, 1, 0) },
		parent:   func() ParentState { return ParentState{Status: StatusFailed} },
	}
	clock := &stepClock{}
	res, err := New(src, Options{Sleep: clock.advance, Out: &bytes.Buffer{}}).Run(context.Background(), ArrayJob{ID: "j", Size: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Polls != 1 {
		t.Errorf("Polls = %d, want 1", res.Polls)
	}
	// counts still come from the children
	if diff := cmp.Diff(StatusSummary{StatusSucceeded: 1, StatusRunning: 3}, res.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNoChildrenEverAppear(t *testing.T) {
	clock := &stepClock{}
	src := &fakeSource{
		parent: func() ParentState {
			if clock.now() >= 5 {
				return ParentState{Status: StatusFailed}
			}
			return ParentState{Status: StatusPending}
		},
	}
	res, err := New(src, Options{Sleep: clock.advance, Out: &bytes.Buffer{}, FirstUnitAttempts: 3}).Run(context.Background(), ArrayJob{ID: "j", Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Parent.Status != StatusFailed || res.Summary.Total() != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	// 2 sleeps while waiting, then polling until the parent fails at tick 5
	if clock.now() != 5 {
		t.Errorf("clock = %d, want 5", clock.now())
	}
}

func TestRunTimeout(t *testing.T) {
	src := &fakeSource{children: func() []ChildUnit { return children(3, 1, 0) }}
	tr := New(src, Options{
		PollInterval: 5 * time.Millisecond,
		Timeout:      40 * time.Millisecond,
		Out:          &bytes.Buffer{},
	})
	res, err := tr.Run(context.Background(), ArrayJob{ID: "j", Size: 3})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if res == nil || res.Summary.Succeeded() != 1 {
		t.Errorf("last observation lost: %+v", res)
	}
	if res.Phase != PhasePolling {
		t.Errorf("Phase = %s, want POLLING", res.Phase)
	}
}

func TestRunCancelledIsNotTimeout(t *testing.T) {
	src := &fakeSource{children: func() []ChildUnit { return children(3, 0, 0) }}
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := New(src, Options{Sleep: sleep, Out: &bytes.Buffer{}, Timeout: time.Hour}).Run(ctx, ArrayJob{ID: "j", Size: 3})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want context.Canceled only", err)
	}
}

func TestRunListingErrorPropagates(t *testing.T) {
	boom := errors.New("ListJobs: AccessDeniedException")
	src := &fakeSource{listErr: boom}
	_, err := New(src, Options{Out: &bytes.Buffer{}}).Run(context.Background(), ArrayJob{ID: "j", Size: 1})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestRunRestartsTail(t *testing.T) {
	clock := &stepClock{}
	src := &fakeSource{
		children: func() []ChildUnit {
			if clock.now() < 20 {
				return children(1, 0, 0)
			}
			return children(1, 1, 0)
		},
	}
	starts := 0
	start := func(ctx context.Context) (Process, error) {
		starts++
		exit := make(chan struct{})
		if starts == 1 {
			close(exit)
		}
		return &fakeProcess{ctx: ctx, exit: exit}, nil
	}
	sup := NewSupervisor("tail", start, 0)
	sleep := func(ctx context.Context, d time.Duration) error {
		time.Sleep(time.Millisecond)
		return clock.advance(ctx, d)
	}
	_, err := New(src, Options{Sleep: sleep, Out: &bytes.Buffer{}, Tail: sup}).Run(context.Background(), ArrayJob{ID: "j", Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sup.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", sup.Restarts())
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		PhaseWaitingForFirstUnit: "WAITING_FOR_FIRST_UNIT",
		PhasePolling:             "POLLING",
		PhaseDrainingFinal:       "DRAINING_FINAL",
		PhaseDone:                "DONE",
	} {
		if p.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(p), p.String(), want)
		}
	}
}
