// Copyright 2025 Kadir Pekel
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

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const taskgraphPackagePrefix = "github.com/taskgraph/engine"

// ParseLevel converts a string log level to slog.Level. Unrecognized
// strings fall back to Warn rather than erroring, since a daemon shouldn't
// fail to start over a bad --log-level typo.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// engineOnlyHandler suppresses records emitted from outside this module's
// call frames once the level is above Debug, so a dependency's own
// internal slog chatter (sqlite driver, fsnotify, prometheus client)
// doesn't drown out the engine's own logs at info/warn/error.
type engineOnlyHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *engineOnlyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *engineOnlyHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || calledFromEngine(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *engineOnlyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &engineOnlyHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *engineOnlyHandler) WithGroup(name string) slog.Handler {
	return &engineOnlyHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// calledFromEngine reports whether pc's function or file belongs to this
// module, by symbol name or source path prefix.
func calledFromEngine(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	fullName := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(fullName, taskgraphPackagePrefix) || strings.Contains(file, "taskgraph/engine/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// normalizeLevel renders slog's "WARNING" as the shorter "WARN" the rest
// of this package uses consistently.
func normalizeLevel(level slog.Level) string {
	s := level.String()
	if s == "WARNING" {
		return "WARN"
	}
	return strings.ToUpper(s)
}

// formatLine renders one record as "[time ]LEVEL message k=v k=v\n",
// optionally color-coding the level for a terminal. bound carries attrs
// accumulated via WithAttrs, rendered ahead of the record's own attrs.
// Shared by lineHandler in both its timestamped (verbose) and bare
// (simple) modes.
func formatLine(record slog.Record, bound []slog.Attr, color, withTime bool) string {
	var buf strings.Builder
	if withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}
	if color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(normalizeLevel(record.Level))
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(normalizeLevel(record.Level))
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)
	writeAttr := func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	}
	for _, a := range bound {
		writeAttr(a)
	}
	record.Attrs(writeAttr)
	buf.WriteString("\n")
	return buf.String()
}

// lineHandler renders records as a single formatted line rather than
// slog's default "key=value" record dump, in either verbose (timestamped)
// or simple (bare) mode, with optional ANSI color for terminal output.
type lineHandler struct {
	writer     io.Writer
	minLevel   slog.Level
	color      bool
	timestamps bool
	attrs      []slog.Attr
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.minLevel }

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	_, err := io.WriteString(h.writer, formatLine(record, h.attrs, h.color, h.timestamps))
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	clone := *h
	clone.attrs = merged
	return &clone
}

func (h *lineHandler) WithGroup(_ string) slog.Handler { return h }

// Init installs the default slog logger: a line-formatted handler (colored
// when output is a terminal) for "simple"/"verbose" format, falling back to
// slog's standard text handler for any other format value, wrapped in
// engineOnlyHandler, which drops third-party records unless level is Debug.
func Init(level slog.Level, output *os.File, format string) {
	simple := format == "simple" || format == ""
	verbose := format == "verbose"

	var handler slog.Handler
	switch {
	case simple || verbose:
		handler = &lineHandler{writer: output, minLevel: level, color: isTerminal(output), timestamps: verbose}
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	defaultLogger = slog.New(&engineOnlyHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens (creating if needed) a log file for append, returning
// the handle and a cleanup func the caller defers.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the process-wide logger, initializing it at Info
// level in simple format on first use if Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
