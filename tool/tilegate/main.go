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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/config"
	"github.com/geocline/tilegate/lib/logutils"
	"github.com/geocline/tilegate/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	var debug bool

	app := kingpin.New("tilegate", "Geospatial tile serving control plane.")
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&debug)

	startCmd := app.Command("start", "Start the tilegate server. All configuration comes from TILEGATE_* environment variables.")
	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(debug))
	case versionCmd.FullCommand():
		fmt.Printf("tilegate v%v go%v\n", tilegate.Version, runtime.Version())
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

func onStart(debug bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if _, err := logutils.Initialize(logutils.Config{
		Severity: cfg.LogLevel,
		Format:   cfg.LogFormat,
	}); err != nil {
		return trace.Wrap(err)
	}

	// SIGINT and SIGTERM trigger a graceful shutdown: in-flight requests
	// drain and the connection pools close before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}
