// Copyright 2024 The Madrona Authors.
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

// Package log provides a minimal logging surface for kernel subsystems.
//
// The kernel proper routes these messages to the console ring; when the
// tree is built and tested on a host, they go through logrus to the
// process's stderr. Subsystem code only sees the Logger interface and the
// package-level helpers, so the backing can change without touching
// callers.
package log

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level is a log level.
type Level uint32

// The set of levels, most to least severe.
const (
	// Warning indicates a problem that the kernel can continue past.
	Warning Level = iota

	// Info is informational output.
	Info

	// Debug is high-volume diagnostic output, off by default.
	Debug
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return "unknown"
	}
}

// Logger is the interface subsystems log through.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged.
	IsLogging(level Level) bool
}

// BasicLogger logs through a logrus logger.
type BasicLogger struct {
	l *logrus.Logger
}

// Debugf implements Logger.Debugf.
func (b *BasicLogger) Debugf(format string, v ...any) {
	b.l.Debugf(format, v...)
}

// Infof implements Logger.Infof.
func (b *BasicLogger) Infof(format string, v ...any) {
	b.l.Infof(format, v...)
}

// Warningf implements Logger.Warningf.
func (b *BasicLogger) Warningf(format string, v ...any) {
	b.l.Warnf(format, v...)
}

// IsLogging implements Logger.IsLogging.
func (b *BasicLogger) IsLogging(level Level) bool {
	return b.l.IsLevelEnabled(logrusLevel(level))
}

// SetLevel sets the logging level.
func (b *BasicLogger) SetLevel(level Level) {
	b.l.SetLevel(logrusLevel(level))
}

// SetTarget redirects output to w.
func (b *BasicLogger) SetTarget(w io.Writer) {
	b.l.SetOutput(w)
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

func newBasicLogger(level Level) *BasicLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrusLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	return &BasicLogger{l: l}
}

// log is the default logger.
var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	if l := log.Load(); l != nil {
		return l
	}
	// Racing initializations are fine; the last one wins.
	l := newBasicLogger(Info)
	log.Store(l)
	return l
}

// SetLevel sets the log level of the global logger.
func SetLevel(level Level) {
	Log().SetLevel(level)
}

// SetTarget redirects the global logger to w.
func SetTarget(w io.Writer) {
	Log().SetTarget(w)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}

// IsLogging returns whether the global logger is logging at level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}
