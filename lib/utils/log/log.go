// SSHLog
// Copyright (C) 2024 Open Kilt LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log provides helpers for configuring the daemon's slog output.
package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openkilt/sshlog/lib/defaults"
)

// NewPackageLogger creates a logger for a specific package, the variadic
// arguments are expected to be key value pairs attached to every message.
// Package loggers are created at package init, before Initialize has run,
// so they must not capture the default handler of that moment: the
// returned logger resolves the process default on every call and follows
// later Initialize calls, including their level.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// deferredHandler forwards to the current slog default handler at log
// time, replaying any WithAttrs/WithGroup derivations onto it in order.
type deferredHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	target := slog.Default().Handler()
	for _, op := range h.ops {
		target = op(target)
	}
	return target
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, rec slog.Record) error {
	return h.resolve().Handle(ctx, rec)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(target slog.Handler) slog.Handler {
		return target.WithAttrs(attrs)
	})
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(target slog.Handler) slog.Handler {
		return target.WithGroup(name)
	})
}

func (h *deferredHandler) derive(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	return &deferredHandler{ops: append(ops, op)}
}

// Config describes the process-wide logging destination.
type Config struct {
	// LogFile, when set, sends output to a rotating file instead of
	// stdout.
	LogFile string
	// Debug lowers the level to debug.
	Debug bool
}

// Initialize sets up the process-wide default logger. When a logfile is
// configured output rotates at 5 MB keeping 5 backups, mirroring the
// historical daemon behavior.
func Initialize(cfg Config) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return nil
	}

	dir := filepath.Dir(cfg.LogFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    defaults.LogFileMaxSizeMB,
		MaxBackups: defaults.LogFileMaxBackups,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level})))
	return nil
}
