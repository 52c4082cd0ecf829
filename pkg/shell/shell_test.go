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
	"strings"
	"testing"
)

func TestExecuteCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      *Command
		wantCode int
		wantOut  string
	}{
		{
			name:     "success",
			cmd:      NewCommand("sh", "-c", "echo hello"),
			wantCode: 0,
			wantOut:  "hello\n",
		},
		{
			name:     "non-zero exit",
			cmd:      NewCommand("sh", "-c", "echo oops >&2; exit 3"),
			wantCode: 3,
		},
		{
			name:     "missing binary",
			cmd:      NewCommand("definitely-not-a-real-binary-xyz"),
			wantCode: -1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.cmd.Execute()
			if res.ExitCode != tc.wantCode {
				t.Errorf("ExitCode = %d, want %d (stderr %q)", res.ExitCode, tc.wantCode, res.Stderr)
			}
			if tc.wantOut != "" && res.Stdout != tc.wantOut {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tc.wantOut)
			}
		})
	}
}

func TestStreamWritesThrough(t *testing.T) {
	var out, errOut bytes.Buffer
	res := NewCommand("sh", "-c", "echo progress; echo device code >&2; exit 2").Stream(context.Background(), &out, &errOut)
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if out.String() != "progress\n" || errOut.String() != "device code\n" {
		t.Errorf("streamed stdout %q stderr %q", out.String(), errOut.String())
	}
	if res.Stdout != "" || res.Stderr != "device code\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewCommand("sh", "-c", "sleep 5").Stream(ctx, &bytes.Buffer{}, &bytes.Buffer{})
	if res.ExitCode == 0 {
		t.Error("a cancelled command must not report success")
	}
}

func TestStartStreamsOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	p, err := NewCommand("sh", "-c", "echo streamed").Start(context.Background(), &out, &errOut)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !strings.Contains(out.String(), "streamed") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestRandomString(t *testing.T) {
	s := RandomString(8)
	if len(s) != 8 {
		t.Fatalf("len = %d", len(s))
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			t.Errorf("unexpected rune %q in %q", r, s)
		}
	}
}
