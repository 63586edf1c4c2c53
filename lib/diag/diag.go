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

// Package diag runs named diagnostic probes against tilegate's
// dependencies and collects their results for the health endpoint. Probes
// run in parallel under a shared deadline; a slow or failing probe never
// hides the results of the others.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/logutils"
)

// Probe checks one dependency and returns a JSON-friendly details payload.
type Probe interface {
	// Name keys the probe's result in the health payload.
	Name() string
	// Check runs the probe. The returned details are included in the
	// payload even when err is non-nil.
	Check(ctx context.Context) (any, error)
}

type probeFunc struct {
	name  string
	check func(ctx context.Context) (any, error)
}

// NewProbe wraps a function into a Probe.
func NewProbe(name string, check func(ctx context.Context) (any, error)) Probe {
	return probeFunc{name: name, check: check}
}

func (p probeFunc) Name() string { return p.name }

func (p probeFunc) Check(ctx context.Context) (any, error) {
	return p.check(ctx)
}

// Probe result statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Result is the outcome of one probe.
type Result struct {
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Details    any    `json:"details,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report aggregates all probe results.
type Report struct {
	Services map[string]Result `json:"services"`
	TimedOut bool              `json:"timed_out"`
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Probes to run on every Run call.
	Probes []Probe
	// Timeout bounds one whole Run. Defaults to
	// [defaults.DiagnosticsTimeout].
	Timeout time.Duration
	// ProbeTimeout bounds each individual probe. Defaults to
	// [defaults.ProbeTimeout].
	ProbeTimeout time.Duration
	// Concurrency is the number of probes checked at once.
	Concurrency int
	// Clock is used for timing measurements.
	Clock clockwork.Clock
	// Logger emits per-probe failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RunnerConfig) CheckAndSetDefaults() error {
	if len(c.Probes) == 0 {
		return trace.BadParameter("missing Probes")
	}
	seen := make(map[string]struct{}, len(c.Probes))
	for _, p := range c.Probes {
		if _, ok := seen[p.Name()]; ok {
			return trace.BadParameter("duplicate probe %q", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.DiagnosticsTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(tilegate.ComponentKey, tilegate.ComponentDiag)
	}
	return nil
}

// Runner executes a fixed set of probes.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a Runner from the config.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes every probe and returns the aggregated report. Run never
// returns an error: probe failures and timeouts are recorded per probe,
// and an exhausted overall deadline sets TimedOut alongside the partial
// results gathered so far. A probe that ignores its context cannot stall
// the report past the deadline.
func (r *Runner) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]Result, len(r.cfg.Probes))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Concurrency)
	for _, probe := range r.cfg.Probes {
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(groupCtx, r.cfg.ProbeTimeout)
			defer cancel()

			start := r.cfg.Clock.Now()
			details, err := probe.Check(probeCtx)
			elapsed := r.cfg.Clock.Since(start)

			result := Result{
				Status:     StatusOK,
				DurationMS: elapsed.Milliseconds(),
				Details:    details,
			}
			if err != nil {
				result.Status = StatusFailed
				result.Error = err.Error()
				if errors.Is(err, context.DeadlineExceeded) || probeCtx.Err() != nil {
					result.Status = StatusTimeout
				}
				r.cfg.Logger.WarnContext(ctx, "Diagnostic probe failed",
					"probe", probe.Name(),
					"error", err,
				)
			}
			mu.Lock()
			results[probe.Name()] = result
			mu.Unlock()
			// Failures are reported in the payload, not propagated:
			// returning an error here would cancel the sibling probes.
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	report := Report{
		Services: make(map[string]Result, len(r.cfg.Probes)),
		TimedOut: ctx.Err() != nil,
	}
	mu.Lock()
	defer mu.Unlock()
	for _, probe := range r.cfg.Probes {
		result, ok := results[probe.Name()]
		if !ok {
			result = Result{Status: StatusTimeout, Error: "probe did not finish before the deadline"}
		}
		report.Services[probe.Name()] = result
	}
	return report
}
