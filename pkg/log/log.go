// Copyright 2024 The VeridianOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the kernel-wide structured logging facade. It follows the
// teacher's thin pkg/log wrapper shape (Infof/Warningf/Debugf/Traceback)
// with github.com/sirupsen/logrus as the backend, so every subsystem can
// attach fields (cpu, pid, tid, token) instead of interpolating them into a
// message string.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global verbosity threshold, e.g. from a boot config
// "debug" flag.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		base.Warnf("log: unknown level %q, keeping %s", level, base.GetLevel())
		return
	}
	base.SetLevel(lvl)
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields = logrus.Fields

// WithFields returns an entry carrying the given structured fields.
func WithFields(f Fields) *logrus.Entry { return base.WithFields(f) }

// Debugf logs at debug level.
func Debugf(format string, args ...any) { base.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { base.Infof(format, args...) }

// Warningf logs at warning level.
func Warningf(format string, args ...any) { base.Warnf(format, args...) }

// Traceback logs a warning-level diagnostic annotated as a traceback point,
// mirroring the teacher's log.Traceback use at subsystem boundaries that
// reject an operation they consider a programming error rather than a
// routine failure.
func Traceback(format string, args ...any) {
	base.WithField("traceback", true).Warnf(format, args...)
}

// Panic logs at error severity with structured fields describing the
// invariant violation and then panics with the formatted message; stopping
// only the originating CPU is left to whoever recovers that panic. It
// deliberately does not call os.Exit itself:
// unlike a freestanding kernel, halting one simulated CPU must not take the
// rest of the host process down with it.
func Panic(fields Fields, format string, args ...any) {
	entry := base.WithFields(fields)
	msg := fmt.Sprintf(format, args...)
	entry.Error(msg)
	panic(msg)
}
