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

package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	logger = newLogger(os.Stderr)
	exit   = os.Exit
)

// levelFormatter prints a single line per entry, prefixed with a colored level tag
// when the output is a terminal.
type levelFormatter struct {
	colored bool
}

func (f *levelFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	prefix := ""
	switch entry.Level {
	case logrus.WarnLevel:
		prefix = f.paint(color.FgYellow, "WARNING: ")
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		prefix = f.paint(color.FgRed, "ERROR: ")
	case logrus.DebugLevel, logrus.TraceLevel:
		prefix = f.paint(color.FgCyan, "DEBUG: ")
	}
	b.WriteString(prefix)
	b.WriteString(entry.Message)
	for k, v := range entry.Data {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *levelFormatter) paint(attr color.Attribute, s string) string {
	if !f.colored {
		return s
	}
	c := color.New(attr, color.Bold)
	c.EnableColor()
	return c.Sprint(s)
}

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&levelFormatter{colored: isTerminal(out)})
	return l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
	logger.SetFormatter(&levelFormatter{colored: isTerminal(w)})
}

// SetLevel sets the minimum level printed. Accepts logrus level names.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

func Debug(f string, a ...any) {
	logger.Debugf(f, a...)
}

func Info(f string, a ...any) {
	logger.Infof(f, a...)
}

func Warn(f string, a ...any) {
	logger.Warnf(f, a...)
}

// Fatal prints the message as an error and exits with status 1.
func Fatal(f string, a ...any) {
	logger.Errorf(f, a...)
	exit(1)
}
