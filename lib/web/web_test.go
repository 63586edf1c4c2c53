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

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/geocline/tilegate/lib/catalog"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/diag"
	"github.com/geocline/tilegate/lib/pgpool"
	"github.com/geocline/tilegate/lib/reader"
	"github.com/geocline/tilegate/lib/readyz"
)

type fakePools struct {
	syncDB   *sqlx.DB
	stats    pgpool.Stats
	hasStats bool
}

func (f *fakePools) Async() (*pgxpool.Pool, error) {
	return nil, trace.ConnectionProblem(nil, "connection pools are not initialized")
}

func (f *fakePools) Sync() (*sqlx.DB, error) {
	if f.syncDB == nil {
		return nil, trace.ConnectionProblem(nil, "connection pools are not initialized")
	}
	return f.syncDB, nil
}

func (f *fakePools) Stats() (pgpool.Stats, bool) {
	return f.stats, f.hasStats
}

type fakeCatalog struct {
	collections []catalog.Collection
	loadedAt    time.Time
	loaded      bool
}

func (f *fakeCatalog) Collections() []catalog.Collection {
	return f.collections
}

func (f *fakeCatalog) Collection(id string) (catalog.Collection, bool) {
	for _, c := range f.collections {
		if c.ID == id {
			return c, true
		}
	}
	return catalog.Collection{}, false
}

func (f *fakeCatalog) Loaded() (time.Time, int, bool) {
	return f.loadedAt, len(f.collections), f.loaded
}

type fakeRaster struct {
	mu       sync.Mutex
	creds    []reader.Credential
	credOKs  []bool
	urls     []string
	tileReqs [][3]int

	info reader.Info
	tile reader.TileData
	err  error
}

func (f *fakeRaster) record(ctx context.Context, url string) {
	cred, ok := reader.CredentialFromContext(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, cred)
	f.credOKs = append(f.credOKs, ok)
	f.urls = append(f.urls, url)
}

func (f *fakeRaster) Info(ctx context.Context, url string) (reader.Info, error) {
	f.record(ctx, url)
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeRaster) Tile(ctx context.Context, url string, z, x, y int) (reader.TileData, error) {
	f.record(ctx, url)
	f.mu.Lock()
	f.tileReqs = append(f.tileReqs, [3]int{z, x, y})
	f.mu.Unlock()
	if f.err != nil {
		return reader.TileData{}, f.err
	}
	return f.tile, nil
}

type testPack struct {
	api      *APIHandler
	handler  *Handler
	registry *readyz.Registry
	clock    *clockwork.FakeClock
}

func (p *testPack) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	p.api.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func newTestHandler(t *testing.T, mutate func(*Config)) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()

	registry, err := readyz.NewRegistry(clock)
	require.NoError(t, err)

	runner, err := diag.NewRunner(diag.RunnerConfig{
		Probes: []diag.Probe{
			diag.NewProbe("postgres", func(ctx context.Context) (any, error) {
				return map[string]string{"server_version": "16.3"}, nil
			}),
		},
		Clock:  clock,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	cfg := Config{
		Status:      registry,
		Diagnostics: runner,
		Pools:       &fakePools{},
		Catalog:     &fakeCatalog{},
		Clock:       clock,
		Logger:      slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	api, err := NewHandler(cfg)
	require.NoError(t, err)
	return &testPack{
		api:      api,
		handler:  api.Handler(),
		registry: registry,
		clock:    clock,
	}
}

func TestLivezAlwaysAlive(t *testing.T) {
	pack := newTestHandler(t, nil)

	// Liveness must not depend on component health.
	pack.registry.Reporter(readyz.ComponentStorageAuth).Degraded("acquire_failed", trace.AccessDenied("identity endpoint rejected the request"))
	pack.registry.Reporter(readyz.ComponentPools).Degraded("rotate_failed", trace.ConnectionProblem(nil, "dial tcp: connection refused"))

	recorder := pack.get(t, "/livez")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"status":"alive"}`, recorder.Body.String())
}

func TestReadyzColdStart(t *testing.T) {
	pack := newTestHandler(t, func(cfg *Config) {
		cfg.RequireDB = true
	})
	storage := pack.registry.Reporter(readyz.ComponentStorageAuth)
	database := pack.registry.Reporter(readyz.ComponentDatabaseAuth)
	pools := pack.registry.Reporter(readyz.ComponentPools)
	storage.Starting("no_token")
	database.Starting("no_token")
	pools.Starting("not_initialized")

	recorder := pack.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var resp struct {
		Ready      bool                              `json:"ready"`
		Issues     []string                          `json:"issues"`
		Components map[string]readyz.ComponentStatus `json:"components"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Equal(t, []string{
		"storage_oauth:no_token",
		"postgres_oauth:no_token",
		"postgres:not_initialized",
	}, resp.Issues)
	require.Contains(t, resp.Components, readyz.ComponentStorageAuth)

	// First refresh round succeeded: the same probe now passes.
	storage.OK()
	database.OK()
	pools.OK()

	recorder = pack.get(t, "/readyz")
	require.Equal(t, http.StatusOK, recorder.Code)
	// The ready response omits the issues key, and unmarshaling into a
	// reused struct keeps the previous value for absent keys.
	resp.Issues = nil
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.True(t, resp.Ready)
	require.Empty(t, resp.Issues)
}

func TestReadyzDegradedModeIgnoresDatabase(t *testing.T) {
	pack := newTestHandler(t, func(cfg *Config) {
		cfg.RequireDB = false
	})
	pack.registry.Reporter(readyz.ComponentStorageAuth).OK()
	pack.registry.Reporter(readyz.ComponentDatabaseAuth).Degraded("acquire_failed", trace.AccessDenied("denied"))
	pack.registry.Reporter(readyz.ComponentPools).Degraded("rotate_failed", trace.ConnectionProblem(nil, "refused"))

	recorder := pack.get(t, "/readyz")
	require.Equal(t, http.StatusOK, recorder.Code)

	// The storage identity still gates.
	pack.registry.Reporter(readyz.ComponentStorageAuth).Degraded("acquire_failed", trace.AccessDenied("denied"))
	recorder = pack.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestReadyzFlipsOnExpiringToken(t *testing.T) {
	var provider *credentials.Provider
	pack := newTestHandler(t, func(cfg *Config) {
		var err error
		provider, err = credentials.NewProvider(credentials.ProviderConfig{
			Identity: "storage",
			Source:   &staticTokenSource{},
			Clock:    cfg.Clock,
			Logger:   slog.New(slog.DiscardHandler),
		})
		require.NoError(t, err)
		cfg.StorageProvider = provider
		cfg.StorageAccount = "geoclinetiles"
		cfg.ReadyzMinTokenTTL = time.Minute
	})
	pack.registry.Reporter(readyz.ComponentStorageAuth).OK()

	provider.Cache().Put(credentials.Token{Value: "tok", ExpiresAt: pack.clock.Now().Add(time.Hour)})
	require.Equal(t, http.StatusOK, pack.get(t, "/readyz").Code)

	// Run the token down below the readiness threshold. The component
	// still reports healthy from its last refresh, but the probe has to
	// fail before the token the instance is running on expires.
	pack.clock.Advance(59*time.Minute + 30*time.Second)
	recorder := pack.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.Contains(t, recorder.Body.String(), "storage_oauth:token_expiring")
}

func TestHealthReportsProbes(t *testing.T) {
	pack := newTestHandler(t, nil)
	pack.registry.Reporter(readyz.ComponentStorageAuth).OK()

	recorder := pack.get(t, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Services map[string]struct {
			Status  string `json:"status"`
			Details struct {
				ServerVersion string `json:"server_version"`
			} `json:"details"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.NotEmpty(t, resp.Version)
	require.Equal(t, "ok", resp.Services["postgres"].Status)
	require.Equal(t, "16.3", resp.Services["postgres"].Details.ServerVersion)
}

func TestHealthIncludesProbeFailures(t *testing.T) {
	failing := diag.NewProbe("storage", func(ctx context.Context) (any, error) {
		return nil, trace.ConnectionProblem(nil, "blob endpoint unreachable")
	})
	pack := newTestHandler(t, func(cfg *Config) {
		runner, err := diag.NewRunner(diag.RunnerConfig{
			Probes: []diag.Probe{failing},
			Logger: slog.New(slog.DiscardHandler),
		})
		require.NoError(t, err)
		cfg.Diagnostics = runner
	})

	recorder := pack.get(t, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Services map[string]diag.Result `json:"services"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Equal(t, diag.StatusFailed, resp.Services["storage"].Status)
	require.Contains(t, resp.Services["storage"].Error, "unreachable")
}

func TestNotFoundRepliesJSON(t *testing.T) {
	pack := newTestHandler(t, nil)

	recorder := pack.get(t, "/no/such/route")
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Contains(t, recorder.Body.String(), `"message"`)
}

func TestMetricsRoute(t *testing.T) {
	pack := newTestHandler(t, nil)

	recorder := pack.get(t, "/metrics")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "go_goroutines")
}

func TestRequestIDHeader(t *testing.T) {
	pack := newTestHandler(t, nil)

	recorder := pack.get(t, "/livez")
	require.NotEmpty(t, recorder.Header().Get("X-Request-Id"))

	// A client supplied id is echoed back unchanged.
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set("X-Request-Id", "req-42")
	recorder = httptest.NewRecorder()
	pack.api.ServeHTTP(recorder, req)
	require.Equal(t, "req-42", recorder.Header().Get("X-Request-Id"))
}

func TestPanicRecovery(t *testing.T) {
	pack := newTestHandler(t, nil)
	pack.handler.GET("/boom", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		panic("kaboom")
	})

	recorder := pack.get(t, "/boom")
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	require.Contains(t, recorder.Body.String(), `"message"`)
}

func TestPProfGatedByConfig(t *testing.T) {
	pack := newTestHandler(t, nil)
	recorder := pack.get(t, "/debug/pprof/")
	require.Equal(t, http.StatusNotFound, recorder.Code)

	pack = newTestHandler(t, func(cfg *Config) { cfg.PProf = true })
	recorder = pack.get(t, "/debug/pprof/")
	require.Equal(t, http.StatusOK, recorder.Code)
}
