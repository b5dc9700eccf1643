// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the engine's structured loggers.
//
// Output goes to stderr by default, following Unix CLI conventions. When a
// log directory is configured, a JSON file handler is added alongside the
// stderr handler; file logs are always JSON regardless of the stderr
// format, since they are meant for machine processing.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options configures logger construction. A zero value produces an
// info-level text logger on stderr.
type Options struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string

	// Format is the stderr format: text or json.
	Format string

	// Service is attached to every record as the "service" attribute.
	Service string

	// LogDir enables JSON file logging in the given directory. The file
	// is named "{service}_{YYYY-MM-DD}.log". Supports a leading ~.
	LogDir string

	// Quiet disables stderr output.
	Quiet bool
}

// New builds a logger per the options.
//
// # Outputs
//
//   - *slog.Logger: Ready for use; never nil.
//   - func() error: Closes the log file if one was opened. Always safe to
//     call.
func New(opts Options) (*slog.Logger, func() error) {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	closer := func() error { return nil }

	var handlers []slog.Handler
	if !opts.Quiet {
		if opts.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, handlerOpts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, handlerOpts))
		}
	}

	if opts.LogDir != "" {
		if file, err := openLogFile(opts.LogDir, opts.Service); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(file, handlerOpts))
			closer = file.Close
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if opts.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", opts.Service)})
	}

	return slog.New(handler), closer
}

// ParseLevel maps a level name to its slog level. Unknown names fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openLogFile creates the log directory and opens today's log file in
// append mode.
func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "autoloop"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans out records to multiple slog handlers, letting stderr
// and the log file use different formats.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
