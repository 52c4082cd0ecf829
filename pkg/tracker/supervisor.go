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
	"time"

	"github.com/sirupsen/logrus"
)

// Process is a running background task.
type Process interface {
	Wait() error
}

// StartFunc launches a background task bound to ctx.
type StartFunc func(ctx context.Context) (Process, error)

// Supervisor keeps one background process alive while tracking runs. Ensure
// is called on every tick and restarts the process if it exited.
type Supervisor struct {
	name        string
	start       StartFunc
	maxRestarts int

	cancel   context.CancelFunc
	done     chan error
	started  int
	restarts int
}

// NewSupervisor returns a supervisor for start. maxRestarts <= 0 means no limit.
func NewSupervisor(name string, start StartFunc, maxRestarts int) *Supervisor {
	return &Supervisor{name: name, start: start, maxRestarts: maxRestarts}
}

// Ensure starts the process if it is not running. Start failures are returned
// but leave the supervisor ready to try again on the next call.
func (s *Supervisor) Ensure(ctx context.Context) error {
	if s.done != nil {
		select {
		case err := <-s.done:
			logrus.WithField("task", s.name).Debugf("background task exited: %v", err)
			s.cancel()
			s.done = nil
		default:
			return nil
		}
	}
	if s.started > 0 {
		if s.maxRestarts > 0 && s.restarts >= s.maxRestarts {
			return nil
		}
		s.restarts++
		logrus.WithField("task", s.name).Infof("restarting background task (restart %d)", s.restarts)
	}

	pctx, cancel := context.WithCancel(ctx)
	p, err := s.start(pctx)
	if err != nil {
		cancel()
		return err
	}
	s.started++
	s.cancel = cancel
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	s.done = done
	return nil
}

// Stop cancels the running process and waits briefly for it to exit.
func (s *Supervisor) Stop() {
	if s.done == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		logrus.WithField("task", s.name).Warn("background task did not exit after cancel")
	}
	s.done = nil
}

// Restarts is the number of times the process was started again after exiting.
func (s *Supervisor) Restarts() int {
	return s.restarts
}
