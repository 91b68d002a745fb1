// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides the structured logging facade used throughout
// the stack: a slog.Logger with a five-level severity ladder (plus OFF),
// a choice of text or JSON encoding, and optional rotation to a file via
// lumberjack, written asynchronously so a slow disk never stalls an I/O
// layer holding no other locks.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/precision-software/iostack/cfg"
	"github.com/precision-software/iostack/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

const asyncBufferSize = 4096

// Custom severity levels, layered below/around the four stdlib slog
// levels so TRACE sits beneath DEBUG and OFF sits above ERROR.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 100
)

type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	writer          io.Writer
	format          string
	level           string
	logRotateConfig config.LogRotateConfig
}

// createJsonOrTextHandler builds the handler for either wire format. JSON
// gets a nested {"seconds":...,"nanos":...} timestamp object; text gets a
// single quoted "YYYY/MM/DD HH:MM:SS.NNNNNN" field, matching the legacy
// on-disk log shape this deployment's tooling already parses.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	isJSON := f.format != "text"

	opts := &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				t, _ := a.Value.Any().(time.Time)
				if isJSON {
					return slog.Attr{
						Key: "timestamp",
						Value: slog.GroupValue(
							slog.Int64("seconds", t.Unix()),
							slog.Int64("nanos", int64(t.Nanosecond())),
						),
					}
				}
				return slog.String("time", t.Format("2006/01/02 15:04:05.000000"))
			case slog.LevelKey:
				l, _ := a.Value.Any().(slog.Level)
				return slog.String("severity", severityName(l))
			case slog.MessageKey:
				return slog.String("message", prefix+a.Value.String())
			}
			return a
		},
	}

	if isJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case config.TRACE:
		programLevel.Set(LevelTrace)
	case config.DEBUG:
		programLevel.Set(LevelDebug)
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

var (
	defaultLoggerFactory = &loggerFactory{
		level:           config.INFO,
		format:          "json",
		logRotateConfig: config.DefaultLogRotateConfig(),
	}
	defaultLogger = newStderrLogger(defaultLoggerFactory)
)

func newStderrLogger(f *loggerFactory) *slog.Logger {
	lv := new(slog.LevelVar)
	setLoggingLevel(f.level, lv)
	return slog.New(f.createJsonOrTextHandler(os.Stderr, lv, ""))
}

// InitLogFile wires up file-backed logging, reconciling the legacy
// flag-driven LogConfig (rotation policy) with the newer YAML-driven
// LoggingConfig (path, severity, format).
func InitLogFile(legacy config.LogConfig, newCfg cfg.LoggingConfig) error {
	factory := &loggerFactory{
		format:          newCfg.Format,
		logRotateConfig: legacy.LogRotateConfig,
	}

	severity := string(newCfg.Severity)
	if severity == "" {
		severity = legacy.Severity
	}
	factory.level = severity

	path := string(newCfg.FilePath)
	if path == "" {
		path = legacy.File
	}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file %q: %w", path, err)
		}
		factory.file = f

		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    factory.logRotateConfig.MaxFileSizeMB,
			MaxBackups: factory.logRotateConfig.BackupFileCount,
			Compress:   factory.logRotateConfig.Compress,
		}
		factory.writer = NewAsyncLogger(rotator, asyncBufferSize)
	} else {
		factory.sysWriter = os.Stderr
		factory.writer = factory.sysWriter
	}

	defaultLoggerFactory = factory

	levelVar := new(slog.LevelVar)
	setLoggingLevel(factory.level, levelVar)
	defaultLogger = slog.New(factory.createJsonOrTextHandler(factory.writer, levelVar, ""))
	return nil
}

// SetLogFormat switches the active format ("text" or, for anything else,
// JSON) without otherwise disturbing the configured sink.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	w := defaultLoggerFactory.writer
	if w == nil {
		if defaultLoggerFactory.sysWriter != nil {
			w = defaultLoggerFactory.sysWriter
		} else {
			w = os.Stderr
		}
	}

	levelVar := new(slog.LevelVar)
	setLoggingLevel(defaultLoggerFactory.level, levelVar)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, levelVar, ""))
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelDebug, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelWarn, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelError, fmt.Sprintf(format, v...))
}
