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

// Package service wires the tilegate process together: credential
// sources, connection pools, the catalog, the background refresher and
// the HTTP API server.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	blobservice "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/catalog"
	"github.com/geocline/tilegate/lib/config"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/diag"
	"github.com/geocline/tilegate/lib/logutils"
	"github.com/geocline/tilegate/lib/pgpool"
	"github.com/geocline/tilegate/lib/readyz"
	"github.com/geocline/tilegate/lib/refresh"
	"github.com/geocline/tilegate/lib/web"
)

// Process is a fully assembled tilegate instance. It owns the component
// lifecycles; Run starts them and blocks until shutdown completes.
type Process struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	status        *readyz.Registry
	storageSource *credentials.AzureSource
	storage       *credentials.Provider
	database      *credentials.DatabaseCredentials
	dbProvider    *credentials.Provider
	pools         *pgpool.Manager
	catalog       *catalog.Service
	refresher     *refresh.Service
	handler       *web.APIHandler

	mu       sync.Mutex
	listener net.Listener
}

// New assembles a tilegate process from the configuration. Nothing
// contacts the network yet; the first token acquisitions and pool
// connections happen inside Run, on the refresher's first round.
func New(ctx context.Context, cfg *config.Config) (*Process, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing process configuration")
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	clock := clockwork.NewRealClock()
	log := logutils.NewPackageLogger(tilegate.ComponentKey, tilegate.ComponentMain)

	status, err := readyz.NewRegistry(clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Process{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		status: status,
	}

	if err := p.initStorageIdentity(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.initDatabaseCredentials(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.initPoolsAndCatalog(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.initRefresher(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.initWebHandler(); err != nil {
		return nil, trace.Wrap(err)
	}

	log.InfoContext(ctx, "Tilegate process assembled.",
		"listen_addr", cfg.ListenAddr,
		"storage_auth", cfg.StorageAuthEnabled,
		"db_auth_mode", cfg.DBAuthMode,
		"require_db", cfg.ReadyzRequireDB,
		"vector_api", !cfg.DisableVectorAPI,
	)
	return p, nil
}

// initStorageIdentity builds the storage token provider, unless storage
// auth is disabled outright.
func (p *Process) initStorageIdentity() error {
	if !p.cfg.StorageAuthEnabled {
		p.log.Info("Storage auth is disabled, reader requests will carry no credential.")
		return nil
	}
	source, err := credentials.NewAzureSource(credentials.AzureSourceConfig{
		Scope:    credentials.StorageScope,
		ClientID: p.cfg.ManagedIdentityClientID,
		DevCLI:   p.cfg.DevCLIAuth,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	provider, err := credentials.NewProvider(credentials.ProviderConfig{
		Identity: "storage",
		Source:   source,
		Clock:    p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.storageSource = source
	p.storage = provider
	return nil
}

// initDatabaseCredentials builds the database credential resolver for
// the configured auth mode.
func (p *Process) initDatabaseCredentials() error {
	dbcfg := credentials.DatabaseCredentialsConfig{Mode: p.cfg.DBAuthMode}
	switch p.cfg.DBAuthMode {
	case credentials.DBAuthModeManagedIdentity:
		source, err := credentials.NewAzureSource(credentials.AzureSourceConfig{
			Scope:    credentials.DatabaseScope,
			ClientID: p.cfg.ManagedIdentityClientID,
			DevCLI:   p.cfg.DevCLIAuth,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		provider, err := credentials.NewProvider(credentials.ProviderConfig{
			Identity: "postgres",
			Source:   source,
			Clock:    p.clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		dbcfg.Provider = provider
		p.dbProvider = provider
	case credentials.DBAuthModeSecretStore:
		// Reuse the storage identity for vault access when one exists so
		// a single managed identity covers both. Otherwise the vault
		// source builds its own default credential chain.
		var cred azcore.TokenCredential
		if p.storageSource != nil {
			cred = p.storageSource.Credential()
		}
		vault, err := credentials.NewKeyVaultSource(p.cfg.KeyVaultURI, p.cfg.KeyVaultSecret, cred)
		if err != nil {
			return trace.Wrap(err)
		}
		dbcfg.Source = vault
	case credentials.DBAuthModePassword:
		dbcfg.Source = credentials.StaticSource(p.cfg.PostgresPassword)
	}

	database, err := credentials.NewDatabaseCredentials(dbcfg)
	if err != nil {
		return trace.Wrap(err)
	}
	p.database = database
	return nil
}

func (p *Process) initPoolsAndCatalog() error {
	pools, err := pgpool.NewManager(pgpool.Config{
		Conn: pgpool.ConnConfig{
			Host:            p.cfg.PostgresHost,
			Port:            p.cfg.PostgresPort,
			User:            p.cfg.PostgresUser,
			Database:        p.cfg.PostgresDatabase,
			MinConns:        p.cfg.PoolMinConns,
			MaxConns:        p.cfg.PoolMaxConns,
			SyncMaxOpen:     p.cfg.SyncPoolMaxOpen,
			ApplicationName: "tilegate",
		},
		Credentials: p.database,
		Clock:       p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.pools = pools

	cat, err := catalog.NewService(catalog.Config{
		Pools:   pools,
		Schemas: p.cfg.CatalogSchemas,
		Clock:   p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.catalog = cat
	return nil
}

func (p *Process) initRefresher() error {
	refreshCfg := refresh.Config{
		Database: p.database,
		Pools:    p.pools,
		Status:   p.status,
		Interval: p.cfg.RefreshInterval,
		Clock:    p.clock,
	}
	// A nil *Provider must stay a nil interface so the refresher treats
	// storage auth as disabled.
	if p.storage != nil {
		refreshCfg.Storage = p.storage
	}
	if !p.cfg.DisableVectorAPI {
		refreshCfg.Catalog = p.catalog
	}
	refresher, err := refresh.NewService(refreshCfg)
	if err != nil {
		return trace.Wrap(err)
	}
	p.refresher = refresher
	return nil
}

func (p *Process) initWebHandler() error {
	probes := []diag.Probe{
		diag.Postgres(p.pools.Sync, p.cfg.PgstacSchema),
		diag.PoolStats(p.pools.Stats),
	}
	if !p.cfg.DisableVectorAPI {
		probes = append(probes, diag.Catalog(p.catalog.Loaded))
	}
	if p.storage != nil {
		probes = append(probes, diag.CachedToken(diag.ProbeStorageToken, p.storage, p.clock))
		blobClient, err := p.blobServiceClient()
		if err != nil {
			return trace.Wrap(err)
		}
		probes = append(probes, diag.StorageAccount(p.cfg.StorageAccount, blobClient))
	}
	if p.dbProvider != nil {
		probes = append(probes, diag.CachedToken(diag.ProbePostgresToken, p.dbProvider, p.clock))
	}
	runner, err := diag.NewRunner(diag.RunnerConfig{
		Probes: probes,
		Clock:  p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Status:            p.status,
		Diagnostics:       runner,
		RequireDB:         p.cfg.ReadyzRequireDB,
		StorageProvider:   p.storage,
		StorageAccount:    p.cfg.StorageAccount,
		Database:          p.database,
		Pools:             p.pools,
		Catalog:           p.catalog,
		DisableVectorAPI:  p.cfg.DisableVectorAPI,
		PgstacSchema:      p.cfg.PgstacSchema,
		MinTokenTTL:       p.cfg.MinTokenTTL,
		ReadyzMinTokenTTL: p.cfg.ReadyzMinTokenTTL,
		PProf:             p.cfg.PProf,
		Clock:             p.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.handler = handler
	return nil
}

// blobServiceClient builds the authenticated blob service client the
// storage probe calls GetAccountInfo on.
func (p *Process) blobServiceClient() (*blobservice.Client, error) {
	endpoint := fmt.Sprintf("https://%s.blob.core.windows.net/", p.cfg.StorageAccount)
	client, err := blobservice.NewClient(endpoint, p.storageSource.Credential(), &blobservice.ClientOptions{
		ClientOptions: credentials.AzureClientOptions(),
	})
	if err != nil {
		return nil, trace.Wrap(credentials.ConvertAzureError(err))
	}
	return client, nil
}

// Run starts the API server and the background refresher and blocks
// until ctx is canceled, then shuts both down in order: stop accepting
// requests, drain in-flight ones, stop the refresher, close the pools.
// A clean shutdown returns nil.
func (p *Process) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	p.setListener(listener)
	defer p.pools.Close()

	srv := &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: defaults.HTTPReadHeaderTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return trace.Wrap(p.refresher.Run(groupCtx))
	})
	group.Go(func() error {
		p.log.InfoContext(groupCtx, "API server listening.", "addr", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), defaults.HTTPShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.log.WarnContext(shutdownCtx, "Forcing API server close after drain timeout.", "error", err)
			return trace.Wrap(srv.Close())
		}
		return nil
	})

	err = group.Wait()
	p.log.InfoContext(ctx, "Tilegate process stopped.")
	return trace.Wrap(err)
}

// Addr returns the bound listener address, empty until Run has bound it.
// Useful with a ":0" listen address in tests.
func (p *Process) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *Process) setListener(l net.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}
