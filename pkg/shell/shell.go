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

package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"shardrun/pkg/logging"
)

// CommandResult holds the outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Command is an external program invocation.
type Command struct {
	name string
	args []string
}

// NewCommand prepares name with args. Nothing runs until Execute, Stream or Start.
func NewCommand(name string, args ...string) *Command {
	return &Command{name: name, args: args}
}

// String renders the command line for logging.
func (c *Command) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// Execute runs the command to completion and captures its output.
// A command that cannot be started reports exit code -1.
func (c *Command) Execute() CommandResult {
	return c.ExecuteContext(context.Background())
}

// ExecuteContext is Execute bound to ctx.
func (c *Command) ExecuteContext(ctx context.Context) CommandResult {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("Executing: %s", c.String())
	err := cmd.Run()
	return result(err, stdout.String(), stderr.String())
}

// Stream runs the command to completion in the foreground: stdin is inherited
// and output goes to stdout and stderr as it is written. Only Stderr is kept
// in the result.
func (c *Command) Stream(ctx context.Context, stdout, stderr io.Writer) CommandResult {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	var (
		captured bytes.Buffer
		mu       sync.Mutex
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = &lockedWriter{mu: &mu, w: stdout}
	cmd.Stderr = &lockedWriter{mu: &mu, w: io.MultiWriter(stderr, &captured)}
	cmd.WaitDelay = 5 * time.Second

	logging.Debug("Executing: %s", c.String())
	err := cmd.Run()
	return result(err, "", captured.String())
}

// lockedWriter serializes writes when stdout and stderr share a destination.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func result(err error, stdout, stderr string) CommandResult {
	res := CommandResult{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.ExitCode = -1
	if res.Stderr == "" {
		res.Stderr = err.Error()
	}
	return res
}

// Process is a command running in the background.
type Process struct {
	cmd *exec.Cmd
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Start launches the command without waiting for it. Output is streamed to
// stdout and stderr; the process is killed when ctx is cancelled.
func (c *Command) Start(ctx context.Context, stdout, stderr io.Writer) (*Process, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", c.String(), err)
	}
	return &Process{cmd: cmd}, nil
}

// ExecuteCommand runs name with args and returns the captured result.
func ExecuteCommand(name string, args ...string) CommandResult {
	return NewCommand(name, args...).Execute()
}

// RandomString returns n random lowercase letters, usable in resource names.
func RandomString(n int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz"
	seeded := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, n)
	for i := range b {
		b[i] = charset[seeded.Intn(len(charset))]
	}
	return string(b)
}
