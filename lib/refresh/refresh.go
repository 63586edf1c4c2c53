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

// Package refresh runs the background maintenance loop: it keeps the
// storage and database credentials warm, rotates the connection pools
// onto the renewed database credential, and reloads the collection
// catalog afterwards.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/logutils"
	"github.com/geocline/tilegate/lib/metrics"
	"github.com/geocline/tilegate/lib/pgpool"
	"github.com/geocline/tilegate/lib/readyz"
)

var refreshRounds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tilegate_refresh_rounds_total",
		Help: "Number of background refresh rounds by result.",
	},
	[]string{"result"},
)

// StorageProvider keeps the storage token warm.
type StorageProvider interface {
	Refresh(ctx context.Context) (credentials.Token, error)
}

// DatabaseCredentials renews the database credential.
type DatabaseCredentials interface {
	// Expiring reports whether the credential has a real expiry and
	// must be renewed and rotated onto the pools periodically.
	Expiring() bool
	// Password resolves the current credential, acquiring it if needed.
	Password(ctx context.Context) (string, error)
	// Refresh forces renewal.
	Refresh(ctx context.Context) (string, error)
}

// Pools is the subset of the pool manager the refresher drives.
type Pools interface {
	Stats() (pgpool.Stats, bool)
	Initialize(ctx context.Context) error
	Rotate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Catalog is reloaded after every successful rotation.
type Catalog interface {
	Refresh(ctx context.Context) error
}

// Config for the refresh service.
type Config struct {
	// Storage keeps the storage token warm. Nil when storage auth is
	// disabled.
	Storage StorageProvider
	// Database renews the database credential. Required.
	Database DatabaseCredentials
	// Pools is rotated onto the renewed credential. Required.
	Pools Pools
	// Catalog is reloaded after pool changes. Nil when the vector API is
	// disabled.
	Catalog Catalog
	// Status receives per-component state updates. Required.
	Status *readyz.Registry
	// Interval between rounds. Defaults to [defaults.RefreshInterval].
	Interval time.Duration
	// RotateTimeout bounds one pool rotation, including a rotation
	// allowed to finish after shutdown was requested. Defaults to
	// [defaults.RotateTimeout].
	RotateTimeout time.Duration
	// Clock drives the round timer.
	Clock clockwork.Clock
	// Logger for per-round reporting.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	switch {
	case cfg.Database == nil:
		return trace.BadParameter("missing Database")
	case cfg.Pools == nil:
		return trace.BadParameter("missing Pools")
	case cfg.Status == nil:
		return trace.BadParameter("missing Status")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.RefreshInterval
	}
	if cfg.RotateTimeout <= 0 {
		cfg.RotateTimeout = defaults.RotateTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logutils.NewPackageLogger(tilegate.ComponentKey, tilegate.ComponentRefresh)
	}
	return nil
}

// Service is the background refresher.
type Service struct {
	cfg Config
	log *slog.Logger

	storageStatus *readyz.Reporter
	dbAuthStatus  *readyz.Reporter
	poolsStatus   *readyz.Reporter
	catalogStatus *readyz.Reporter
	refreshStatus *readyz.Reporter
}

// NewService creates the refresh service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterCollectors(refreshRounds); err != nil {
		return nil, trace.Wrap(err)
	}
	svc := &Service{
		cfg:           cfg,
		log:           cfg.Logger,
		storageStatus: cfg.Status.Reporter(readyz.ComponentStorageAuth),
		dbAuthStatus:  cfg.Status.Reporter(readyz.ComponentDatabaseAuth),
		poolsStatus:   cfg.Status.Reporter(readyz.ComponentPools),
		catalogStatus: cfg.Status.Reporter(readyz.ComponentCatalog),
		refreshStatus: cfg.Status.Reporter(readyz.ComponentRefresher),
	}
	if svc.cfg.Storage == nil {
		svc.storageStatus.Disabled("storage_auth_disabled")
	} else {
		svc.storageStatus.Starting("no_token")
	}
	if !svc.cfg.Database.Expiring() {
		svc.dbAuthStatus.Disabled("static_credential")
	} else {
		svc.dbAuthStatus.Starting("no_token")
	}
	svc.poolsStatus.Starting("not_initialized")
	if svc.cfg.Catalog == nil {
		svc.catalogStatus.Disabled("vector_api_disabled")
	} else {
		svc.catalogStatus.Starting("not_loaded")
	}
	return svc, nil
}

// String implements fmt.Stringer.
func (s *Service) String() string { return tilegate.ComponentRefresh }

// Run executes one round immediately and then one round per interval
// until the context is canceled. A round that is already underway when
// shutdown starts is finished first; its pool rotation is shielded from
// the cancellation and bounded by RotateTimeout.
func (s *Service) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "Background refresher starting.", "interval", s.cfg.Interval.String())
	s.round(ctx)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.round(ctx)
		case <-ctx.Done():
			s.log.InfoContext(ctx, "Background refresher stopped.")
			return nil
		}
	}
}

// round performs one refresh pass. The storage and database legs fail
// independently: a storage outage never blocks a pool rotation and vice
// versa.
func (s *Service) round(ctx context.Context) {
	ok := s.refreshStorage(ctx)

	// Shutdown between the two legs is a safe point.
	if ctx.Err() != nil {
		return
	}

	if !s.refreshDatabase(ctx) {
		ok = false
	}
	if ok {
		refreshRounds.WithLabelValues("ok").Inc()
	} else {
		refreshRounds.WithLabelValues("error").Inc()
	}
	s.refreshStatus.OK()
}

func (s *Service) refreshStorage(ctx context.Context) bool {
	if s.cfg.Storage == nil {
		return true
	}
	token, err := s.cfg.Storage.Refresh(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to refresh the storage token.", "error", err)
		s.storageStatus.Degraded("acquire_failed", err)
		return false
	}
	s.log.DebugContext(ctx, "Refreshed the storage token.", "expires_at", token.ExpiresAt)
	s.storageStatus.OK()
	return true
}

func (s *Service) refreshDatabase(ctx context.Context) bool {
	if _, initialized := s.cfg.Pools.Stats(); !initialized {
		return s.initializePools(ctx)
	}
	if !s.cfg.Database.Expiring() {
		// Static credentials never rotate; just confirm the pools are
		// still reaching the database.
		if err := s.cfg.Pools.Ping(ctx); err != nil {
			s.log.WarnContext(ctx, "Connection pools are not reaching the database.", "error", err)
			s.poolsStatus.Degraded("ping_failed", err)
			return false
		}
		s.poolsStatus.OK()
		return true
	}

	if _, err := s.cfg.Database.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "Failed to renew the database credential.", "error", err)
		s.reportDatabaseAuth(err)
		return false
	}
	s.reportDatabaseAuth(nil)

	// The rotation is allowed to finish even when shutdown starts while
	// it runs, bounded by RotateTimeout.
	rotateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RotateTimeout)
	defer cancel()
	if err := s.cfg.Pools.Rotate(rotateCtx); err != nil {
		s.log.WarnContext(ctx, "Failed to rotate the connection pools.", "error", err)
		s.poolsStatus.Degraded("rotate_failed", err)
		return false
	}
	s.poolsStatus.OK()

	if ctx.Err() != nil {
		// Shutting down: the rotation was finished for the sake of the
		// pools, the catalog reload can be skipped.
		return true
	}
	return s.refreshCatalog(ctx)
}

// initializePools builds the first generation, used both for cold start
// and to keep retrying when the database was unreachable at startup.
func (s *Service) initializePools(ctx context.Context) bool {
	if _, err := s.cfg.Database.Password(ctx); err != nil {
		s.log.WarnContext(ctx, "Failed to resolve the database credential.", "error", err)
		s.reportDatabaseAuth(err)
		return false
	}
	s.reportDatabaseAuth(nil)

	if err := s.cfg.Pools.Initialize(ctx); err != nil {
		s.log.WarnContext(ctx, "Failed to initialize the connection pools.", "error", err)
		s.poolsStatus.Degraded("init_failed", err)
		return false
	}
	s.poolsStatus.OK()

	return s.refreshCatalog(ctx)
}

func (s *Service) refreshCatalog(ctx context.Context) bool {
	if s.cfg.Catalog == nil {
		return true
	}
	if err := s.cfg.Catalog.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "Failed to reload the collection catalog.", "error", err)
		s.catalogStatus.Degraded("reload_failed", err)
		return false
	}
	s.catalogStatus.OK()
	return true
}

// reportDatabaseAuth updates the database identity component. With a
// non-expiring credential the component stays disabled: there is no
// token whose freshness could gate readiness.
func (s *Service) reportDatabaseAuth(err error) {
	if !s.cfg.Database.Expiring() {
		return
	}
	if err != nil {
		s.dbAuthStatus.Degraded("acquire_failed", err)
		return
	}
	s.dbAuthStatus.OK()
}
