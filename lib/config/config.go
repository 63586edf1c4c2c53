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

// Package config assembles the tilegate process configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/defaults"
)

// Environment variables understood by tilegate.
const (
	EnvListenAddr = "TILEGATE_LISTEN_ADDR"
	EnvLogLevel   = "TILEGATE_LOG_LEVEL"
	EnvLogFormat  = "TILEGATE_LOG_FORMAT"

	EnvStorageAuth      = "TILEGATE_STORAGE_AUTH"
	EnvStorageAccount   = "TILEGATE_STORAGE_ACCOUNT"
	EnvManagedClientID  = "TILEGATE_MANAGED_IDENTITY_CLIENT_ID"
	EnvDevCLIAuth       = "TILEGATE_DEV_CLI_AUTH"
	EnvDBAuthMode       = "TILEGATE_DB_AUTH_MODE"
	EnvPostgresHost     = "TILEGATE_POSTGRES_HOST"
	EnvPostgresPort     = "TILEGATE_POSTGRES_PORT"
	EnvPostgresUser     = "TILEGATE_POSTGRES_USER"
	EnvPostgresDatabase = "TILEGATE_POSTGRES_DBNAME"
	EnvPostgresPassword = "TILEGATE_POSTGRES_PASS"
	EnvKeyVaultURI      = "TILEGATE_KEYVAULT_URI"
	EnvKeyVaultSecret   = "TILEGATE_KEYVAULT_SECRET"

	EnvPoolMinConns    = "TILEGATE_POOL_MIN_CONNS"
	EnvPoolMaxConns    = "TILEGATE_POOL_MAX_CONNS"
	EnvSyncPoolMaxOpen = "TILEGATE_SYNC_POOL_MAX_OPEN"

	EnvRefreshInterval = "TILEGATE_REFRESH_INTERVAL"
	EnvMinTokenTTL     = "TILEGATE_MIN_TOKEN_TTL"
	EnvReadyzMinTTL    = "TILEGATE_READYZ_MIN_TOKEN_TTL"
	EnvReadyzRequireDB = "TILEGATE_READYZ_REQUIRE_DB"
	EnvVectorAPI       = "TILEGATE_VECTOR_API"
	EnvCatalogSchemas  = "TILEGATE_CATALOG_SCHEMAS"
	EnvPgstacSchema    = "TILEGATE_PGSTAC_SCHEMA"
	EnvPProf           = "TILEGATE_PPROF"
)

// Config is the full tilegate process configuration.
type Config struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string
	// LogLevel is the minimum emitted log level.
	LogLevel string
	// LogFormat selects text or json log output.
	LogFormat string

	// StorageAuthEnabled injects storage credentials into requests and
	// keeps the storage token refreshed. When false the storage identity
	// is not used at all.
	StorageAuthEnabled bool
	// StorageAccount is the Azure storage account diagnostics probe.
	StorageAccount string
	// ManagedIdentityClientID selects a user-assigned managed identity
	// for both the storage and database identities. Empty means the
	// system-assigned identity.
	ManagedIdentityClientID string
	// DevCLIAuth sources tokens from the local az CLI login instead of a
	// managed identity. Development only.
	DevCLIAuth bool

	// DBAuthMode is one of the credentials.DBAuthMode values.
	DBAuthMode string
	// PostgresHost is the database server host.
	PostgresHost string
	// PostgresPort is the database server port.
	PostgresPort int
	// PostgresUser is the role connections authenticate as.
	PostgresUser string
	// PostgresDatabase is the database connections open.
	PostgresDatabase string
	// PostgresPassword is the connection password in password auth mode.
	PostgresPassword string
	// KeyVaultURI is the vault holding the database password in secret
	// store auth mode.
	KeyVaultURI string
	// KeyVaultSecret is the secret name within the vault.
	KeyVaultSecret string

	// PoolMinConns is the minimum size of the request serving pool.
	PoolMinConns int
	// PoolMaxConns is the maximum size of the request serving pool.
	PoolMaxConns int
	// SyncPoolMaxOpen caps the administrative pool.
	SyncPoolMaxOpen int

	// RefreshInterval is the background refresher period.
	RefreshInterval time.Duration
	// MinTokenTTL is the remaining validity a cached token must have to
	// be attached to a request.
	MinTokenTTL time.Duration
	// ReadyzMinTokenTTL is the remaining token validity below which the
	// readiness probe fails.
	ReadyzMinTokenTTL time.Duration
	// ReadyzRequireDB fails readiness when the database side is not
	// healthy. When false only the storage identity gates readiness.
	ReadyzRequireDB bool
	// DisableVectorAPI leaves the vector collection routes unmounted and
	// never scans the catalog schemas.
	DisableVectorAPI bool
	// CatalogSchemas are the schemas scanned for spatial tables. Nil
	// means the default list; explicitly empty disables scanning.
	CatalogSchemas []string
	// PgstacSchema is the schema the pgstac extension is installed in.
	PgstacSchema string
	// PProf exposes profiling endpoints under /debug/pprof.
	PProf bool
}

// FromEnv reads the configuration from the environment and applies
// defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:              os.Getenv(EnvListenAddr),
		LogLevel:                os.Getenv(EnvLogLevel),
		LogFormat:               os.Getenv(EnvLogFormat),
		StorageAccount:          os.Getenv(EnvStorageAccount),
		ManagedIdentityClientID: os.Getenv(EnvManagedClientID),
		DBAuthMode:              os.Getenv(EnvDBAuthMode),
		PostgresHost:            os.Getenv(EnvPostgresHost),
		PostgresUser:            os.Getenv(EnvPostgresUser),
		PostgresDatabase:        os.Getenv(EnvPostgresDatabase),
		PostgresPassword:        os.Getenv(EnvPostgresPassword),
		KeyVaultURI:             os.Getenv(EnvKeyVaultURI),
		KeyVaultSecret:          os.Getenv(EnvKeyVaultSecret),
		PgstacSchema:            os.Getenv(EnvPgstacSchema),
	}

	var err error
	if cfg.StorageAuthEnabled, err = boolEnv(EnvStorageAuth, true); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.DevCLIAuth, err = boolEnv(EnvDevCLIAuth, false); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ReadyzRequireDB, err = boolEnv(EnvReadyzRequireDB, true); err != nil {
		return nil, trace.Wrap(err)
	}
	vectorAPI, err := boolEnv(EnvVectorAPI, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.DisableVectorAPI = !vectorAPI
	if cfg.PProf, err = boolEnv(EnvPProf, false); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PostgresPort, err = intEnv(EnvPostgresPort, 5432); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PoolMinConns, err = intEnv(EnvPoolMinConns, defaults.AsyncPoolMinConns); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.PoolMaxConns, err = intEnv(EnvPoolMaxConns, defaults.AsyncPoolMaxConns); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SyncPoolMaxOpen, err = intEnv(EnvSyncPoolMaxOpen, defaults.SyncPoolMaxOpen); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.RefreshInterval, err = durationEnv(EnvRefreshInterval, defaults.RefreshInterval); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MinTokenTTL, err = durationEnv(EnvMinTokenTTL, defaults.MinTokenValidity); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ReadyzMinTokenTTL, err = durationEnv(EnvReadyzMinTTL, defaults.ReadyzMinTokenTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	// Setting the schema list to the empty string is meaningful: it keeps
	// the vector API up but with nothing exposed.
	if raw, ok := os.LookupEnv(EnvCatalogSchemas); ok {
		cfg.CatalogSchemas = []string{}
		for _, schema := range strings.Split(raw, ",") {
			if schema = strings.TrimSpace(schema); schema != "" {
				cfg.CatalogSchemas = append(cfg.CatalogSchemas, schema)
			}
		}
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.DBAuthMode == "" {
		c.DBAuthMode = credentials.DBAuthModeManagedIdentity
	}
	switch c.DBAuthMode {
	case credentials.DBAuthModeManagedIdentity:
	case credentials.DBAuthModeSecretStore:
		if c.KeyVaultURI == "" || c.KeyVaultSecret == "" {
			return trace.BadParameter("secret store database auth requires %v and %v", EnvKeyVaultURI, EnvKeyVaultSecret)
		}
	case credentials.DBAuthModePassword:
		if c.PostgresPassword == "" {
			return trace.BadParameter("password database auth requires %v", EnvPostgresPassword)
		}
	default:
		return trace.BadParameter("unsupported database auth mode %q", c.DBAuthMode)
	}

	if c.PostgresHost == "" {
		return trace.BadParameter("missing %v", EnvPostgresHost)
	}
	if c.PostgresUser == "" {
		return trace.BadParameter("missing %v", EnvPostgresUser)
	}
	if c.PostgresDatabase == "" {
		c.PostgresDatabase = "postgres"
	}
	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return trace.BadParameter("postgres port %v out of range", c.PostgresPort)
	}

	if c.PoolMinConns < 0 {
		return trace.BadParameter("pool min conns must not be negative")
	}
	if c.PoolMaxConns <= 0 {
		c.PoolMaxConns = defaults.AsyncPoolMaxConns
	}
	if c.PoolMinConns > c.PoolMaxConns {
		return trace.BadParameter("pool min conns %v exceeds max conns %v", c.PoolMinConns, c.PoolMaxConns)
	}
	if c.SyncPoolMaxOpen <= 0 {
		c.SyncPoolMaxOpen = defaults.SyncPoolMaxOpen
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.MinTokenTTL <= 0 {
		c.MinTokenTTL = defaults.MinTokenValidity
	}
	if c.ReadyzMinTokenTTL <= 0 {
		c.ReadyzMinTokenTTL = defaults.ReadyzMinTokenTTL
	}
	if c.CatalogSchemas == nil {
		c.CatalogSchemas = defaults.CatalogSchemas()
	}
	if c.PgstacSchema == "" {
		c.PgstacSchema = defaults.PgstacSchema
	}
	if c.StorageAuthEnabled && c.StorageAccount == "" {
		return trace.BadParameter("storage auth requires %v", EnvStorageAccount)
	}
	return nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, trace.BadParameter("%v: expected a boolean, got %q", name, raw)
	}
	return v, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("%v: expected an integer, got %q", name, raw)
	}
	return v, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, trace.BadParameter("%v: expected a duration like 45m, got %q", name, raw)
	}
	return v, nil
}
