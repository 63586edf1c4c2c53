// Tilegate
// Copyright (C) 2025 Geocline, Inc.
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

// Package logutils configures the process-wide slog logger and hands out
// per-package loggers tagged with their component.
package logutils

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/geocline/tilegate"
)

// Config controls the shape of the process logger.
type Config struct {
	// Severity is the minimum level that gets emitted, one of
	// "debug", "info", "warn" or "error".
	Severity string
	// Format selects the output encoding, "text" or "json".
	Format string
}

// Initialize sets the process-wide default slog logger and returns it.
// TILEGATE_DEBUG overrides the configured severity.
func Initialize(cfg Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.Severity != "" {
		if err := level.UnmarshalText([]byte(cfg.Severity)); err != nil {
			return nil, trace.BadParameter("unsupported log severity %q", cfg.Severity)
		}
	}
	if envVar := os.Getenv(tilegate.VerboseLogsEnvVar); envVar != "" {
		if verbose, err := strconv.ParseBool(envVar); err == nil && verbose {
			level = slog.LevelDebug
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// NewPackageLogger creates a logger for a package with the given
// key-value attributes.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}
