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
	"time"
)

var (
	// ErrStreamNotFound is returned by a LogFetcher when the stream does not exist yet.
	ErrStreamNotFound = errors.New("log stream not found")
	// ErrThrottled is returned by a LogFetcher when the log service rejected the call for rate.
	ErrThrottled = errors.New("log service throttled")
)

// maxPagesPerPass bounds how many pages one Drain call reads from a single stream.
const maxPagesPerPass = 50

type LogEvent struct {
	Timestamp time.Time
	Message   string
}

// LogPage is one response of the log service. NextToken is the forward token
// to pass on the following call; services return the same token at the end of a stream.
type LogPage struct {
	Events    []LogEvent
	NextToken string
}

// LogFetcher reads log events forward from token. An empty token reads from
// the start of the stream.
type LogFetcher interface {
	GetEvents(ctx context.Context, ref StreamRef, token string) (LogPage, error)
}

// FetchNew returns the lines appended to ref since cursor and the cursor to use
// next time. Missing streams and throttling yield no lines and leave the cursor
// where it was; any other error is returned.
func FetchNew(ctx context.Context, f LogFetcher, ref StreamRef, cursor string) ([]string, string, error) {
	page, err := f.GetEvents(ctx, ref, cursor)
	if errors.Is(err, ErrStreamNotFound) || errors.Is(err, ErrThrottled) {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to read log stream %s: %w", ref.Stream, err)
	}
	next := page.NextToken
	if next == "" {
		next = cursor
	}
	lines := make([]string, 0, len(page.Events))
	for _, ev := range page.Events {
		lines = append(lines, ev.Message)
	}
	return lines, next, nil
}

// Cursors keeps one forward position per stream.
type Cursors struct {
	fetcher LogFetcher
	tokens  map[string]string
	drained map[string]bool
}

func NewCursors(f LogFetcher) *Cursors {
	return &Cursors{
		fetcher: f,
		tokens:  map[string]string{},
		drained: map[string]bool{},
	}
}

// Drain reads ref until the service stops advancing the cursor, returning all
// new lines in order.
func (c *Cursors) Drain(ctx context.Context, ref StreamRef) ([]string, error) {
	k := ref.key()
	var out []string
	for i := 0; i < maxPagesPerPass; i++ {
		before := c.tokens[k]
		lines, next, err := FetchNew(ctx, c.fetcher, ref, before)
		if err != nil {
			return out, err
		}
		c.tokens[k] = next
		out = append(out, lines...)
		c.drained[k] = next == before
		if len(lines) == 0 || next == before {
			break
		}
	}
	return out, nil
}

// Drained reports whether the last Drain of ref ended on an unchanged token.
// It is a hint only; new lines may arrive at any time.
func (c *Cursors) Drained(ref StreamRef) bool {
	return c.drained[ref.key()]
}

// Token returns the current forward token of ref.
func (c *Cursors) Token(ref StreamRef) string {
	return c.tokens[ref.key()]
}
