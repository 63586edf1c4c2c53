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

package readyz

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestEvaluateStartup(t *testing.T) {
	registry, err := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, err)

	storage := registry.Reporter(ComponentStorageAuth)
	database := registry.Reporter(ComponentDatabaseAuth)
	pools := registry.Reporter(ComponentPools)
	registry.Reporter(ComponentCatalog)

	storage.Starting("no_token")
	database.Starting("no_token")
	pools.Starting("not_initialized")

	verdict := registry.Evaluate(true)
	require.False(t, verdict.Ready)
	require.Equal(t, []string{
		"storage_oauth:no_token",
		"postgres_oauth:no_token",
		"postgres:not_initialized",
	}, verdict.Issues)

	storage.OK()
	database.OK()
	pools.OK()

	verdict = registry.Evaluate(true)
	require.True(t, verdict.Ready)
	require.Empty(t, verdict.Issues)
}

func TestEvaluateDatabaseOptional(t *testing.T) {
	registry, err := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, err)

	storage := registry.Reporter(ComponentStorageAuth)
	pools := registry.Reporter(ComponentPools)

	storage.OK()
	pools.Degraded("init_failed", trace.ConnectionProblem(nil, "no route to host"))

	require.False(t, registry.Evaluate(true).Ready)

	verdict := registry.Evaluate(false)
	require.True(t, verdict.Ready)
	require.Empty(t, verdict.Issues)
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	registry, err := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, err)

	storage := registry.Reporter(ComponentStorageAuth)
	database := registry.Reporter(ComponentDatabaseAuth)
	pools := registry.Reporter(ComponentPools)

	storage.Disabled("storage_auth_disabled")
	database.Disabled("static_credential")
	pools.OK()

	verdict := registry.Evaluate(true)
	require.True(t, verdict.Ready)
	require.Empty(t, verdict.Issues)
}

func TestEvaluateCatalogNeverBlocks(t *testing.T) {
	registry, err := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, err)

	registry.Reporter(ComponentStorageAuth).OK()
	registry.Reporter(ComponentDatabaseAuth).OK()
	registry.Reporter(ComponentPools).OK()
	registry.Reporter(ComponentCatalog).Degraded("reload_failed", trace.ConnectionProblem(nil, "timeout"))
	registry.Reporter(ComponentRefresher).Degraded("rotate_failed", nil)

	require.True(t, registry.Evaluate(true).Ready)
	require.Equal(t, StateDegraded, registry.OverallState())
}

func TestOverallState(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Registry)
		expected State
	}{
		{
			name: "all healthy",
			setup: func(r *Registry) {
				r.Reporter(ComponentStorageAuth).OK()
				r.Reporter(ComponentPools).OK()
			},
			expected: StateHealthy,
		},
		{
			name: "initializing wins over healthy",
			setup: func(r *Registry) {
				r.Reporter(ComponentStorageAuth).OK()
				r.Reporter(ComponentPools).Starting("not_initialized")
			},
			expected: StateInitializing,
		},
		{
			name: "degraded wins over initializing",
			setup: func(r *Registry) {
				r.Reporter(ComponentStorageAuth).Starting("no_token")
				r.Reporter(ComponentPools).Degraded("init_failed", nil)
			},
			expected: StateDegraded,
		},
		{
			name: "disabled ignored",
			setup: func(r *Registry) {
				r.Reporter(ComponentStorageAuth).Disabled("storage_auth_disabled")
				r.Reporter(ComponentPools).OK()
			},
			expected: StateHealthy,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			registry, err := NewRegistry(clockwork.NewFakeClock())
			require.NoError(t, err)
			tc.setup(registry)
			require.Equal(t, tc.expected, registry.OverallState())
		})
	}
}

func TestSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	registry, err := NewRegistry(clock)
	require.NoError(t, err)

	storage := registry.Reporter(ComponentStorageAuth)
	storage.OK()
	okAt := clock.Now()

	clock.Advance(time.Minute)
	storage.Degraded("acquire_failed", trace.AccessDenied("identity endpoint said no"))

	snap := registry.Snapshot()
	require.Len(t, snap, 1)
	status := snap[ComponentStorageAuth]
	require.Equal(t, "degraded", status.State)
	require.Equal(t, "acquire_failed", status.Reason)
	require.Contains(t, status.LastError, "identity endpoint said no")
	require.Equal(t, okAt, status.LastSuccessAt)
	require.Equal(t, clock.Now(), status.UpdatedAt)
}

func TestReporterReregistrationKeepsState(t *testing.T) {
	registry, err := NewRegistry(clockwork.NewFakeClock())
	require.NoError(t, err)

	registry.Reporter(ComponentStorageAuth).OK()
	// A second handle to the same component must not reset it.
	again := registry.Reporter(ComponentStorageAuth)

	require.Equal(t, StateHealthy, registry.OverallState())
	again.Degraded("acquire_failed", nil)
	require.Equal(t, StateDegraded, registry.OverallState())
}
