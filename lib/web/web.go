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

// Package web serves tilegate's HTTP API: liveness, readiness and deep
// health endpoints, the vector collection API, the raster and mosaic tile
// routes and the operator dashboard.
package web

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/catalog"
	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/diag"
	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/logutils"
	"github.com/geocline/tilegate/lib/metrics"
	"github.com/geocline/tilegate/lib/pgpool"
	"github.com/geocline/tilegate/lib/reader"
	"github.com/geocline/tilegate/lib/readyz"
)

// PoolManager is the subset of the connection pool manager the handlers
// need.
type PoolManager interface {
	// Async returns the pool serving request traffic.
	Async() (*pgxpool.Pool, error)
	// Sync returns the administrative pool.
	Sync() (*sqlx.DB, error)
	// Stats snapshots the serving generation.
	Stats() (pgpool.Stats, bool)
}

// Catalog is the subset of the collection catalog the handlers need.
type Catalog interface {
	// Collections returns the serving snapshot.
	Collections() []catalog.Collection
	// Collection looks up one collection by its "schema.table" id.
	Collection(id string) (catalog.Collection, bool)
	// Loaded reports when the snapshot was loaded and how many
	// collections it has.
	Loaded() (loadedAt time.Time, count int, ok bool)
}

// Config holds the dependencies of the API handler.
type Config struct {
	// Status is the component registry readiness answers come from.
	// Required.
	Status *readyz.Registry
	// Diagnostics runs the deep health probes behind GET /health. Required.
	Diagnostics *diag.Runner
	// RequireDB gates readiness on the database components in addition to
	// the storage identity.
	RequireDB bool

	// StorageProvider hands out the storage tokens injected into reader
	// requests. Nil when storage auth is disabled.
	StorageProvider *credentials.Provider
	// StorageAccount is the storage account readers are pointed at.
	StorageAccount string
	// Database resolves the database credential, shown on the dashboard.
	// Optional.
	Database *credentials.DatabaseCredentials

	// Pools provides database access for the vector and mosaic APIs.
	// Required.
	Pools PoolManager
	// Catalog serves the vector collections. Required.
	Catalog Catalog
	// DisableVectorAPI leaves the vector collection routes unmounted.
	DisableVectorAPI bool
	// PgstacSchema is the schema the pgstac extension lives in. Defaults
	// to [defaults.PgstacSchema].
	PgstacSchema string

	// MinTokenTTL is the remaining validity a cached storage token must
	// have to be attached to a request. Defaults to
	// [defaults.MinTokenValidity].
	MinTokenTTL time.Duration
	// ReadyzMinTokenTTL is the remaining token validity below which the
	// readiness probe fails even when every component reports healthy.
	// Defaults to [defaults.ReadyzMinTokenTTL].
	ReadyzMinTokenTTL time.Duration

	// COG reads Cloud Optimized GeoTIFFs. Defaults to
	// [reader.Unimplemented].
	COG reader.Raster
	// Zarr reads Zarr and NetCDF stores. Defaults to
	// [reader.Unimplemented].
	Zarr reader.Raster
	// Mosaic renders registered mosaic searches. Defaults to
	// [reader.Unimplemented].
	Mosaic reader.Mosaic

	// PProf exposes the profiling endpoints under /debug/pprof.
	PProf bool

	// Clock is used for uptime and token TTL reporting. Defaults to the
	// real clock.
	Clock clockwork.Clock
	// Logger emits request logs. Defaults to the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Status == nil {
		return trace.BadParameter("missing Status")
	}
	if c.Diagnostics == nil {
		return trace.BadParameter("missing Diagnostics")
	}
	if c.Pools == nil {
		return trace.BadParameter("missing Pools")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing Catalog")
	}
	if c.StorageProvider != nil && c.StorageAccount == "" {
		return trace.BadParameter("missing StorageAccount")
	}
	if c.PgstacSchema == "" {
		c.PgstacSchema = defaults.PgstacSchema
	}
	if c.MinTokenTTL <= 0 {
		c.MinTokenTTL = defaults.MinTokenValidity
	}
	if c.ReadyzMinTokenTTL <= 0 {
		c.ReadyzMinTokenTTL = defaults.ReadyzMinTokenTTL
	}
	if c.COG == nil {
		c.COG = reader.Unimplemented{}
	}
	if c.Zarr == nil {
		c.Zarr = reader.Unimplemented{}
	}
	if c.Mosaic == nil {
		c.Mosaic = reader.Unimplemented{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(tilegate.ComponentKey, tilegate.ComponentWeb)
	}
	return nil
}

// Handler answers tilegate's API routes.
type Handler struct {
	httprouter.Router

	cfg       Config
	log       *slog.Logger
	clock     clockwork.Clock
	startedAt time.Time
	dashboard *template.Template

	// asyncQuery resolves the pool the vector handlers run on, overridden
	// in tests.
	asyncQuery func() (vectorQuerier, error)
	// syncDB resolves the pool the mosaic handlers run on, overridden in
	// tests.
	syncDB func() (*sqlx.DB, error)
}

// APIHandler is the root handler: the route table wrapped with the
// process-wide middleware.
type APIHandler struct {
	root    http.Handler
	handler *Handler
}

// ServeHTTP implements [http.Handler].
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// Handler returns the wrapped route handler.
func (h *APIHandler) Handler() *Handler {
	return h.handler
}

// NewHandler builds the route table and returns it wrapped with request
// tagging, request logging and panic recovery.
func NewHandler(cfg Config) (*APIHandler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterCollectors(httpRequests); err != nil {
		return nil, trace.Wrap(err)
	}

	dashboard, err := template.New("dashboard").Parse(dashboardHTML)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		startedAt: cfg.Clock.Now(),
		dashboard: dashboard,
	}
	h.asyncQuery = func() (vectorQuerier, error) {
		pool, err := cfg.Pools.Async()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return pool, nil
	}
	h.syncDB = cfg.Pools.Sync

	// Operational endpoints.
	h.GET("/livez", httplib.MakeHandler(h.livez))
	h.GET("/readyz", httplib.MakeHandler(h.readyz))
	h.GET("/health", httplib.MakeHandler(h.health))
	h.GET("/dashboard", h.serveDashboard)
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	if cfg.PProf {
		h.GET("/debug/pprof/*profile", servePProf)
	}

	// Raster tiles. Only these routes carry a storage credential.
	h.GET("/cog/info", h.withStorageCredential(httplib.MakeHandler(h.cogInfo)))
	h.GET("/cog/tiles/:z/:x/:y", h.withStorageCredential(h.cogTile))
	h.GET("/zarr/info", h.withStorageCredential(httplib.MakeHandler(h.zarrInfo)))
	h.GET("/zarr/tiles/:z/:x/:y", h.withStorageCredential(h.zarrTile))

	// Mosaics.
	h.POST("/mosaic/register", httplib.MakeHandler(h.mosaicRegister))
	h.GET("/mosaic/:searchID/info", httplib.MakeHandler(h.mosaicInfo))
	h.GET("/mosaic/:searchID/tiles/:z/:x/:y", h.withStorageCredential(h.mosaicTile))

	// Vector collections.
	if !cfg.DisableVectorAPI {
		h.GET("/vector/collections", httplib.MakeHandler(h.listCollections))
		h.GET("/vector/collections/:id", httplib.MakeHandler(h.getCollection))
		h.GET("/vector/collections/:id/items", httplib.MakeHandler(h.collectionItems))
		h.GET("/vector/collections/:id/tiles/:z/:x/:y", h.vectorTile)
	}

	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.ReplyError(w, trace.NotFound("path %q is not served", r.URL.Path))
	})

	var root http.Handler = &h.Router
	root = h.withRecovery(root)
	root = h.withRequestLog(root)
	root = withRequestID(root)
	return &APIHandler{root: root, handler: h}, nil
}

// parseTileCoords validates the z, x and y route parameters against the
// WebMercatorQuad grid.
func parseTileCoords(p httprouter.Params) (z, x, y int, err error) {
	z, err = strconv.Atoi(p.ByName("z"))
	if err != nil || z < 0 || z > defaults.TileMaxZoom {
		return 0, 0, 0, trace.BadParameter("invalid zoom %q: must be an integer between 0 and %d", p.ByName("z"), defaults.TileMaxZoom)
	}
	extent := 1 << z
	x, err = strconv.Atoi(p.ByName("x"))
	if err != nil || x < 0 || x >= extent {
		return 0, 0, 0, trace.BadParameter("invalid tile column %q for zoom %d", p.ByName("x"), z)
	}
	y, err = strconv.Atoi(p.ByName("y"))
	if err != nil || y < 0 || y >= extent {
		return 0, 0, 0, trace.BadParameter("invalid tile row %q for zoom %d", p.ByName("y"), z)
	}
	return z, x, y, nil
}

// servePProf dispatches to the net/http/pprof handlers, which expect to be
// mounted under /debug/pprof/.
func servePProf(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	switch strings.TrimPrefix(r.URL.Path, "/debug/pprof/") {
	case "cmdline":
		pprof.Cmdline(w, r)
	case "profile":
		pprof.Profile(w, r)
	case "symbol":
		pprof.Symbol(w, r)
	case "trace":
		pprof.Trace(w, r)
	default:
		pprof.Index(w, r)
	}
}
