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

// Package pgpool owns the Postgres connection pools. Each credential
// snapshot produces one generation holding two matched pools: a pgx pool
// serving requests and a database/sql pool for administrative work.
// Rotation builds the next generation with a fresh credential, swaps it
// in atomically and lets the retired generation drain before closing it.
package pgpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/metrics"
)

var (
	poolRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilegate_pool_rotations_total",
			Help: "Number of pool rotations by result.",
		},
		[]string{"result"},
	)
	poolGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilegate_pool_generation",
			Help: "Identifier of the pool generation currently serving requests.",
		},
	)
)

// ConnConfig describes how to reach Postgres, minus the credential.
type ConnConfig struct {
	// Host is the database server host. Required.
	Host string
	// Port is the database server port.
	Port int
	// User is the role connections authenticate as. Required.
	User string
	// Database is the database to open.
	Database string
	// MinConns is the minimum size of the request serving pool.
	MinConns int
	// MaxConns is the maximum size of the request serving pool.
	MaxConns int
	// SyncMaxOpen caps the administrative pool.
	SyncMaxOpen int
	// ApplicationName is reported to the server for observability.
	ApplicationName string
}

// CheckAndSetDefaults validates the connection config and fills in
// defaults.
func (c *ConnConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing postgres host")
	}
	if c.User == "" {
		return trace.BadParameter("missing postgres user")
	}
	if c.Port <= 0 {
		c.Port = 5432
	}
	if c.Database == "" {
		c.Database = "postgres"
	}
	if c.MinConns < 0 {
		return trace.BadParameter("pool min conns must not be negative")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaults.AsyncPoolMaxConns
	}
	if c.MinConns > c.MaxConns {
		return trace.BadParameter("pool min conns %v exceeds max conns %v", c.MinConns, c.MaxConns)
	}
	if c.SyncMaxOpen <= 0 {
		c.SyncMaxOpen = defaults.SyncPoolMaxOpen
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "tilegate"
	}
	return nil
}

// Config configures a Manager.
type Config struct {
	// Conn describes the database server to connect to. Required.
	Conn ConnConfig
	// Credentials resolves the connection password. Required.
	Credentials *credentials.DatabaseCredentials
	// DrainWindow is how long retired generations keep serving in-flight
	// work before closing. Defaults to [defaults.PoolDrainWindow].
	DrainWindow time.Duration
	// Clock drives the drain timers. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger emits pool lifecycle logs. Defaults to the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Conn.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing Credentials")
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = defaults.PoolDrainWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(tilegate.ComponentKey, tilegate.ComponentPool)
	}
	return nil
}

// Manager owns the lifecycle of the pool generations. All methods are
// safe for concurrent use.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	// buildFn constructs the next generation, overridden in tests.
	buildFn func(ctx context.Context) (*generation, error)

	// rotateMu serializes Initialize and Rotate end to end so two
	// rotations can never interleave their build and swap steps.
	rotateMu sync.Mutex

	// lastID numbers generations in creation order.
	lastID atomic.Uint64

	mu      sync.RWMutex
	current *generation
	closed  bool

	drainCtx    context.Context
	drainCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a Manager. No connections are opened until
// Initialize or Rotate run.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterCollectors(poolRotations, poolGeneration); err != nil {
		return nil, trace.Wrap(err)
	}
	drainCtx, drainCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		log:         cfg.Logger,
		clock:       cfg.Clock,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
	m.buildFn = m.buildGeneration
	return m, nil
}

// Initialize eagerly builds the first pool generation. When the
// credential cannot be resolved no pools are created and the error is
// returned. When the pools come up but the database does not answer the
// ping, the pools are kept installed and the ping error is returned:
// later queries and rotations may succeed once the database is back.
func (m *Manager) Initialize(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	gen, err := m.buildFn(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	pingErr := gen.ping(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		gen.close(m.log)
		return trace.ConnectionProblem(nil, "pool manager is closed")
	}
	old := m.current
	m.current = gen
	m.mu.Unlock()

	poolGeneration.Set(float64(gen.id))
	if old != nil {
		m.retire(old)
	}
	if pingErr != nil {
		m.log.WarnContext(ctx, "Connection pools created but the database is not answering.", "error", pingErr)
		return trace.Wrap(pingErr)
	}
	m.log.InfoContext(ctx, "Connection pools initialized.", "generation", gen.id)
	return nil
}

// Rotate builds a fresh generation with the current credential and swaps
// it in. The retired generation keeps serving already started work for
// the drain window before closing. On any failure the serving generation
// stays untouched. Rotation always builds new pools, even when the
// credential has not changed since the last one.
func (m *Manager) Rotate(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return trace.ConnectionProblem(nil, "pool manager is closed")
	}

	next, err := m.buildFn(ctx)
	if err != nil {
		poolRotations.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}
	if err := next.ping(ctx); err != nil {
		next.close(m.log)
		poolRotations.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		next.close(m.log)
		return trace.ConnectionProblem(nil, "pool manager is closed")
	}
	old := m.current
	m.current = next
	m.mu.Unlock()

	poolGeneration.Set(float64(next.id))
	poolRotations.WithLabelValues("ok").Inc()
	if old != nil {
		m.log.InfoContext(ctx, "Rotated connection pools.", "from", old.id, "to", next.id)
		m.retire(old)
	} else {
		m.log.InfoContext(ctx, "Connection pools initialized by rotation.", "generation", next.id)
	}
	return nil
}

// retire closes a generation after the drain window, or immediately when
// the manager shuts down first.
func (m *Manager) retire(old *generation) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.clock.After(m.cfg.DrainWindow):
		case <-m.drainCtx.Done():
		}
		old.close(m.log)
		m.log.Info("Closed retired pool generation.", "generation", old.id)
	}()
}

// Async returns the pool serving request traffic.
func (m *Manager) Async() (*pgxpool.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.availableLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return m.current.async, nil
}

// Sync returns the administrative pool used for registrations and
// diagnostics.
func (m *Manager) Sync() (*sqlx.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.availableLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return m.current.sync, nil
}

// Ping verifies the serving generation can still reach the database.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	gen := m.current
	err := m.availableLocked()
	m.mu.RUnlock()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(gen.ping(ctx))
}

func (m *Manager) availableLocked() error {
	if m.closed {
		return trace.ConnectionProblem(nil, "pool manager is closed")
	}
	if m.current == nil {
		return trace.ConnectionProblem(nil, "connection pools are not initialized")
	}
	return nil
}

// AsyncStats snapshots the request serving pool.
type AsyncStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// SyncStats snapshots the administrative pool.
type SyncStats struct {
	Open  int `json:"open"`
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
	Max   int `json:"max"`
}

// Stats describes the serving generation for health reporting.
type Stats struct {
	Generation uint64     `json:"generation"`
	CreatedAt  time.Time  `json:"created_at"`
	Async      AsyncStats `json:"async"`
	Sync       SyncStats  `json:"sync"`
}

// Stats returns a snapshot of the serving generation, or false when no
// generation is installed.
func (m *Manager) Stats() (Stats, bool) {
	m.mu.RLock()
	gen := m.current
	closed := m.closed
	m.mu.RUnlock()
	if closed || gen == nil {
		return Stats{}, false
	}

	stats := Stats{Generation: gen.id, CreatedAt: gen.createdAt}
	if gen.async != nil {
		s := gen.async.Stat()
		stats.Async = AsyncStats{
			Total:    s.TotalConns(),
			Idle:     s.IdleConns(),
			Acquired: s.AcquiredConns(),
			Max:      s.MaxConns(),
		}
	}
	if gen.sync != nil {
		s := gen.sync.Stats()
		stats.Sync = SyncStats{
			Open:  s.OpenConnections,
			Idle:  s.Idle,
			InUse: s.InUse,
			Max:   s.MaxOpenConnections,
		}
	}
	return stats, true
}

// Close cancels pending drains and closes every generation. It blocks
// until all retired generations are closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	current := m.current
	m.current = nil
	m.mu.Unlock()

	m.drainCancel()
	m.wg.Wait()
	current.close(m.log)
	m.log.Info("Connection pools closed.")
}
