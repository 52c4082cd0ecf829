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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWaitTimeout is returned when tracking exceeded Options.Timeout. It is an
// operational failure, not a statement about the job's outcome.
var ErrWaitTimeout = errors.New("timed out waiting for array job to finish")

// Phase is the state of the poll loop.
type Phase int

const (
	PhaseWaitingForFirstUnit Phase = iota
	PhasePolling
	PhaseDrainingFinal
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForFirstUnit:
		return "WAITING_FOR_FIRST_UNIT"
	case PhasePolling:
		return "POLLING"
	case PhaseDrainingFinal:
		return "DRAINING_FINAL"
	case PhaseDone:
		return "DONE"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParentState is what the job service reports about the array job itself.
// Detail carries backend specific counters for the heartbeat only.
type ParentState struct {
	Status Status
	Detail string
}

// Source is a backend's view of a submitted array job.
type Source interface {
	ChildSource
	DescribeParent(ctx context.Context, job ArrayJob) (ParentState, error)
}

// HeartbeatFunc formats the per-tick progress line.
type HeartbeatFunc func(job ArrayJob, summary StatusSummary, parent ParentState) string

// DefaultHeartbeat prints "[array] K=V ..." with the finished count.
func DefaultHeartbeat(job ArrayJob, summary StatusSummary, parent ParentState) string {
	line := fmt.Sprintf("[array] %s (%d/%d finished)", summary.String(), summary.Finished(), job.Size)
	if parent.Detail != "" {
		line += " || " + parent.Detail
	}
	return line
}

// Options configure a Tracker. Zero values select the defaults noted per field.
type Options struct {
	PollInterval      time.Duration // default 2s
	FirstUnitInterval time.Duration // default 1s
	FirstUnitAttempts int           // default 120
	Timeout           time.Duration // 0 disables the wall-clock limit

	// Logs, when set, is drained for every stream the children report.
	Logs LogFetcher
	// Tail, when set, is kept alive while polling. It never affects completion.
	Tail *Supervisor

	Out       io.Writer // log lines and heartbeats; default os.Stdout
	Heartbeat HeartbeatFunc
	Sleep     func(ctx context.Context, d time.Duration) error
	OnPhase   func(Phase)
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.FirstUnitInterval <= 0 {
		o.FirstUnitInterval = time.Second
	}
	if o.FirstUnitAttempts <= 0 {
		o.FirstUnitAttempts = 120
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Heartbeat == nil {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Result is the final observation of a tracked job.
type Result struct {
	Summary  StatusSummary
	Parent   ParentState
	Children []ChildUnit
	Polls    int
	Phase    Phase
}

// Tracker drives the poll loop for one array job. It holds no state shared
// with other jobs and is not safe for concurrent use.
type Tracker struct {
	src     Source
	opts    Options
	cursors *Cursors
	streams map[string]streamInfo
	order   []string
	phase   Phase
}

type streamInfo struct {
	ref   StreamRef
	index int
}

func New(src Source, opts Options) *Tracker {
	opts.setDefaults()
	t := &Tracker{
		src:     src,
		opts:    opts,
		streams: map[string]streamInfo{},
		phase:   -1,
	}
	if opts.Logs != nil {
		t.cursors = NewCursors(opts.Logs)
	}
	return t
}

// Run polls job until it completes, ctx is cancelled or the timeout expires.
// On timeout the returned error wraps ErrWaitTimeout and the result holds the
// last observed counts.
func (t *Tracker) Run(ctx context.Context, job ArrayJob) (*Result, error) {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, t.opts.Timeout, ErrWaitTimeout)
		defer cancel()
	}
	if t.opts.Tail != nil {
		defer t.opts.Tail.Stop()
	}

	res := &Result{Summary: StatusSummary{}}
	err := t.run(ctx, job, res)
	res.Phase = t.phase
	if err != nil && errors.Is(context.Cause(ctx), ErrWaitTimeout) {
		return res, fmt.Errorf("%w after %s (%s)", ErrWaitTimeout, t.opts.Timeout, res.Summary)
	}
	return res, err
}

func (t *Tracker) run(ctx context.Context, job ArrayJob, res *Result) error {
	t.enter(PhaseWaitingForFirstUnit)
	if err := t.waitForFirstUnit(ctx, job, res); err != nil {
		return err
	}

	t.enter(PhasePolling)
	for {
		if t.opts.Tail != nil {
			if err := t.opts.Tail.Ensure(ctx); err != nil {
				logrus.Warnf("log tail could not be started: %v", err)
			}
		}
		if err := t.observe(ctx, job, res); err != nil {
			return err
		}
		res.Polls++
		fmt.Fprintln(t.opts.Out, t.opts.Heartbeat(job, res.Summary, res.Parent))
		if IsComplete(res.Summary, job.Size, res.Parent.Status) {
			break
		}
		if err := t.opts.Sleep(ctx, t.opts.PollInterval); err != nil {
			return err
		}
	}

	t.enter(PhaseDrainingFinal)
	if err := t.observe(ctx, job, res); err != nil {
		return err
	}
	t.enter(PhaseDone)
	return nil
}

func (t *Tracker) waitForFirstUnit(ctx context.Context, job ArrayJob, res *Result) error {
	for attempt := 1; attempt <= t.opts.FirstUnitAttempts; attempt++ {
		children, err := ListChildren(ctx, t.src, job)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			logrus.Debugf("first child of %s observed after %d checks", job.ID, attempt)
			return nil
		}
		parent, err := t.src.DescribeParent(ctx, job)
		if err != nil {
			return fmt.Errorf("failed to describe %s: %w", job.ID, err)
		}
		if parent.Status.Terminal() {
			res.Parent = parent
			return nil
		}
		if attempt < t.opts.FirstUnitAttempts {
			if err := t.opts.Sleep(ctx, t.opts.FirstUnitInterval); err != nil {
				return err
			}
		}
	}
	logrus.Warnf("no child of %s appeared after %d checks, polling anyway", job.ID, t.opts.FirstUnitAttempts)
	return nil
}

// observe lists children, refreshes the summary, drains logs and describes the parent.
func (t *Tracker) observe(ctx context.Context, job ArrayJob, res *Result) error {
	children, err := ListChildren(ctx, t.src, job)
	if err != nil {
		return err
	}
	res.Children = children
	res.Summary = Summarize(children)

	if t.cursors != nil {
		t.track(children)
		if err := t.drain(ctx); err != nil {
			return err
		}
	}

	parent, err := t.src.DescribeParent(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to describe %s: %w", job.ID, err)
	}
	res.Parent = parent
	return nil
}

func (t *Tracker) track(children []ChildUnit) {
	for _, c := range children {
		if c.Stream.IsZero() {
			continue
		}
		k := c.Stream.key()
		if _, ok := t.streams[k]; !ok {
			t.order = append(t.order, k)
		}
		t.streams[k] = streamInfo{ref: c.Stream, index: c.Index}
	}
}

func (t *Tracker) drain(ctx context.Context) error {
	for _, k := range t.order {
		info := t.streams[k]
		lines, err := t.cursors.Drain(ctx, info.ref)
		for _, l := range lines {
			fmt.Fprintf(t.opts.Out, "[%d] %s\n", info.index, l)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) enter(p Phase) {
	t.phase = p
	logrus.Debugf("tracker phase %s", p)
	if t.opts.OnPhase != nil {
		t.opts.OnPhase(p)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
