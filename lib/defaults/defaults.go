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

// Package defaults contains default constants used across the tilegate
// codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the address the API server binds to unless
	// configured otherwise.
	HTTPListenAddr = ":8080"

	// HTTPReadHeaderTimeout bounds how long the server waits for request
	// headers.
	HTTPReadHeaderTimeout = 10 * time.Second

	// HTTPIdleTimeout closes keep-alive connections that sit idle.
	HTTPIdleTimeout = 90 * time.Second

	// HTTPShutdownTimeout bounds graceful shutdown of the API server.
	HTTPShutdownTimeout = 30 * time.Second
)

const (
	// RefreshInterval is how often the background refresher wakes up to
	// renew credentials, rotate pools and reload the catalog. It must stay
	// comfortably below the lifetime of the access tokens it renews.
	RefreshInterval = 45 * time.Minute

	// MinTokenValidity is the remaining lifetime a cached token must have
	// to be handed out to a request. Tokens below it are refetched.
	MinTokenValidity = 5 * time.Minute

	// ReadyzMinTokenTTL is the remaining token lifetime below which the
	// readiness probe starts failing, so traffic is routed away from the
	// instance before its credential actually expires.
	ReadyzMinTokenTTL = time.Minute

	// TokenAcquireTimeout bounds a single token acquisition round trip to
	// the identity endpoint.
	TokenAcquireTimeout = 30 * time.Second

	// PoolDrainWindow is how long retired connection pools keep serving
	// in-flight work after a rotation before they are closed.
	PoolDrainWindow = 30 * time.Second

	// RotateTimeout bounds a single pool rotation, including the rotation
	// allowed to finish after shutdown has been requested.
	RotateTimeout = time.Minute
)

const (
	// AsyncPoolMinConns is the minimum number of connections the request
	// serving pool keeps open.
	AsyncPoolMinConns = 1

	// AsyncPoolMaxConns caps the request serving pool.
	AsyncPoolMaxConns = 10

	// SyncPoolMaxOpen caps the administrative pool used for registrations
	// and diagnostics.
	SyncPoolMaxOpen = 5

	// SyncPoolMaxIdle is the number of idle connections the administrative
	// pool retains.
	SyncPoolMaxIdle = 2

	// PostgresConnectTimeout bounds establishing a single new connection.
	PostgresConnectTimeout = 10 * time.Second

	// PostgresConnMaxLifetime recycles connections well before the access
	// token that opened them can expire.
	PostgresConnMaxLifetime = 30 * time.Minute
)

const (
	// DiagnosticsTimeout is the overall budget for one deep health check.
	DiagnosticsTimeout = 30 * time.Second

	// ProbeTimeout bounds each individual diagnostic probe.
	ProbeTimeout = 5 * time.Second
)

const (
	// FeatureLimit is the page size of a features query when the request
	// does not specify one.
	FeatureLimit = 10

	// FeatureLimitMax caps the page size a request may ask for.
	FeatureLimitMax = 1000

	// TileMaxZoom is the deepest WebMercatorQuad zoom level served.
	TileMaxZoom = 24

	// PgstacSchema is the schema the pgstac extension is installed in.
	PgstacSchema = "pgstac"
)

// CatalogSchemas returns the database schemas scanned for spatial tables
// when the deployment does not configure its own list.
func CatalogSchemas() []string {
	return []string{"public"}
}
