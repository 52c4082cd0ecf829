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
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeSource serves children from a snapshot function, one status at a time,
// in pages of pageSize.
type fakeSource struct {
	statuses []Status
	pageSize int
	children func() []ChildUnit
	parent   func() ParentState
	listErr  error

	calls int
}

func (f *fakeSource) Statuses() []Status {
	if f.statuses != nil {
		return f.statuses
	}
	return []Status{StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning, StatusSucceeded, StatusFailed}
}

func (f *fakeSource) ListChildren(_ context.Context, _ ArrayJob, status Status, token string) (ChildPage, error) {
	f.calls++
	if f.listErr != nil {
		return ChildPage{}, f.listErr
	}
	var matching []ChildUnit
	if f.children != nil {
		for _, c := range f.children() {
			if c.Status == status {
				matching = append(matching, c)
			}
		}
	}
	size := f.pageSize
	if size <= 0 {
		size = 100
	}
	start := 0
	if token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + size
	if end >= len(matching) {
		return ChildPage{Children: matching[start:]}, nil
	}
	return ChildPage{Children: matching[start:end], NextToken: strconv.Itoa(end)}, nil
}

func (f *fakeSource) DescribeParent(context.Context, ArrayJob) (ParentState, error) {
	if f.parent == nil {
		return ParentState{Status: StatusRunning}, nil
	}
	return f.parent(), nil
}

// fakeLogs mimics a forward-token log service: tokens encode the line offset
// and the same token comes back once a stream is exhausted.
type fakeLogs struct {
	mu        sync.Mutex
	pageSize  int
	streams   map[string][]string
	missing   map[string]int // calls answered with ErrStreamNotFound before the stream exists
	throttled int
	err       error
	calls     map[string]int
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{
		streams: map[string][]string{},
		missing: map[string]int{},
		calls:   map[string]int{},
	}
}

func (f *fakeLogs) append(stream string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[stream] = append(f.streams[stream], lines...)
}

func (f *fakeLogs) GetEvents(_ context.Context, ref StreamRef, token string) (LogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref.Stream]++
	if f.err != nil {
		return LogPage{}, f.err
	}
	if f.throttled > 0 {
		f.throttled--
		return LogPage{}, ErrThrottled
	}
	if f.calls[ref.Stream] <= f.missing[ref.Stream] {
		return LogPage{}, ErrStreamNotFound
	}
	lines, ok := f.streams[ref.Stream]
	if !ok {
		return LogPage{}, ErrStreamNotFound
	}
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, "f/"))
		if err != nil {
			return LogPage{}, errors.New("bad token")
		}
		offset = n
	}
	end := len(lines)
	if f.pageSize > 0 && offset+f.pageSize < end {
		end = offset + f.pageSize
	}
	page := LogPage{NextToken: "f/" + strconv.Itoa(end)}
	for _, l := range lines[offset:end] {
		page.Events = append(page.Events, LogEvent{Message: l})
	}
	return page, nil
}

// fakeProcess exits when exit is closed or its context is cancelled.
type fakeProcess struct {
	ctx  context.Context
	exit chan struct{}
}

func (p *fakeProcess) Wait() error {
	select {
	case <-p.exit:
		return errors.New("exited")
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// stepClock replaces sleeping with a tick counter.
type stepClock struct {
	mu   sync.Mutex
	tick int
}

func (c *stepClock) now() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

func (c *stepClock) advance(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.tick++
	c.mu.Unlock()
	return nil
}
