// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package logger provides the structured logger used across every AgentFS
// package: the engine, storage, the recorder, the control plane, and the
// interposition runtime all log through here instead of the bare "log"
// package, so that severity filtering and JSON/text formatting are
// consistent everywhere.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agent-harbor/agentfs/internal/config"
)

// slog only defines Debug/Info/Warn/Error. AgentFS additionally wants a
// TRACE level below Debug, and spells WARNING/ERROR out in full in its wire
// vocabulary, so these are declared as extra slog.Level values rather than
// reusing the built-in names.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	format          string
	level           string
	logRotateConfig config.LogRotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{level: config.INFO}
	defaultLogger        = slog.New(newHandler(os.Stderr, new(slog.LevelVar), "", ""))
)

// Init builds the process-wide logger from resolved configuration. It is
// called once during agentfsd startup, after config has been parsed.
func Init(cfg config.LoggingConfig) error {
	defaultLoggerFactory = &loggerFactory{
		format:          cfg.Format,
		level:           cfg.Severity,
		logRotateConfig: cfg.LogRotate,
	}

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		f, err := os.OpenFile(string(cfg.FilePath), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file %q: %w", cfg.FilePath, err)
		}
		defaultLoggerFactory.file = f
		lj := &lumberjack.Logger{
			Filename:   string(cfg.FilePath),
			MaxSize:    cfg.LogRotate.MaxFileSizeMb,
			MaxBackups: cfg.LogRotate.BackupFileCount,
			Compress:   cfg.LogRotate.Compress,
		}
		defaultLoggerFactory.sysWriter = lj
		w = lj
	}

	programLevel := new(slog.LevelVar)
	setLoggingLevel(cfg.Severity, programLevel)
	defaultLogger = slog.New(newHandler(w, programLevel, defaultLoggerFactory.format, ""))
	return nil
}

// SetLogFormat switches the active format ("json" or "text", default json)
// without touching the configured severity or output.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	programLevel := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, programLevel)

	var w io.Writer = os.Stderr
	if defaultLoggerFactory.sysWriter != nil {
		w = defaultLoggerFactory.sysWriter
	}
	defaultLogger = slog.New(newHandler(w, programLevel, format, ""))
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case config.TRACE:
		programLevel.Set(LevelTrace)
	case config.DEBUG:
		programLevel.Set(LevelDebug)
	case config.INFO:
		programLevel.Set(LevelInfo)
	case config.WARNING:
		programLevel.Set(LevelWarn)
	case config.ERROR:
		programLevel.Set(LevelError)
	case config.OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// handler is a minimal slog.Handler emitting either
// `time="..." severity=LEVEL message="..."` (format == "text") or
// `{"timestamp":{"seconds":N,"nanos":N},"severity":"LEVEL","message":"..."}`
// (anything else, including the empty string — JSON is the default).
type handler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  *slog.LevelVar
	format string
	prefix string
}

func newHandler(w io.Writer, level *slog.LevelVar, format, prefix string) *handler {
	return &handler{mu: &sync.Mutex{}, w: w, level: level, format: format, prefix: prefix}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *handler) WithGroup(_ string) slog.Handler      { return h }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	name, ok := levelNames[r.Level]
	if !ok {
		name = r.Level.String()
	}
	msg := h.prefix + r.Message

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.format == "text" {
		_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n", r.Time.Format("2006/01/02 15:04:05.000000"), name, msg)
		return err
	}
	_, err := fmt.Fprintf(h.w, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
		r.Time.Unix(), r.Time.Nanosecond(), name, msg)
	return err
}

func logf(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }
