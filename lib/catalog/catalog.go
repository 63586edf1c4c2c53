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

// Package catalog discovers the spatial tables served by the vector APIs.
// A refresh introspects PostGIS metadata into an immutable snapshot that
// replaces the previous one in a single pointer swap: readers always see
// a complete catalog, never a partially loaded one.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/metrics"
	"github.com/geocline/tilegate/lib/pgpool"
)

var (
	catalogCollections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilegate_catalog_collections",
			Help: "Number of collections in the serving catalog snapshot.",
		},
	)
	catalogReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilegate_catalog_reloads_total",
			Help: "Number of catalog reloads by result.",
		},
		[]string{"result"},
	)
)

// Property is one non-geometry column of a collection.
type Property struct {
	// Name is the column name.
	Name string `json:"name"`
	// Type is the Postgres type name of the column.
	Type string `json:"type"`
}

// Collection describes one spatial table.
type Collection struct {
	// ID identifies the collection as "schema.table".
	ID string `json:"id"`
	// Schema is the table's schema.
	Schema string `json:"schema"`
	// Table is the table name.
	Table string `json:"table"`
	// GeometryColumn is the column registered in geometry_columns.
	GeometryColumn string `json:"geometry_column"`
	// GeometryType is the registered geometry type, e.g. MULTIPOLYGON.
	GeometryType string `json:"geometry_type"`
	// SRID is the spatial reference system of the geometry column.
	SRID int `json:"srid"`
	// IDColumn is the first primary key column, empty when the table has
	// no primary key.
	IDColumn string `json:"id_column,omitempty"`
	// Properties are the non-geometry columns, in table order.
	Properties []Property `json:"properties,omitempty"`
}

// Querier is the subset of the request pool the catalog needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Config configures a Service.
type Config struct {
	// Pools provides the request pool used for introspection. Required.
	Pools *pgpool.Manager
	// Schemas are the schemas scanned for spatial tables. Nil means
	// [defaults.CatalogSchemas]; an empty list scans nothing and yields
	// an empty catalog.
	Schemas []string
	// Clock stamps snapshots. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger emits reload logs. Defaults to the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pools == nil {
		return trace.BadParameter("missing Pools")
	}
	if c.Schemas == nil {
		c.Schemas = defaults.CatalogSchemas()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(tilegate.ComponentKey, tilegate.ComponentCatalog)
	}
	return nil
}

type snapshot struct {
	collections []Collection
	byID        map[string]Collection
	loadedAt    time.Time
}

// Service serves the collection catalog.
type Service struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	// queryFn resolves the pool to introspect, overridden in tests.
	queryFn func() (Querier, error)

	current atomic.Pointer[snapshot]
}

// NewService creates a catalog Service with an empty catalog. Refresh
// must run before the catalog has content.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterCollectors(catalogCollections, catalogReloads); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg:   cfg,
		log:   cfg.Logger,
		clock: cfg.Clock,
	}
	s.queryFn = func() (Querier, error) {
		return cfg.Pools.Async()
	}
	return s, nil
}

// Refresh introspects the database and atomically replaces the serving
// snapshot. On failure the previous snapshot keeps serving.
func (s *Service) Refresh(ctx context.Context) error {
	q, err := s.queryFn()
	if err != nil {
		catalogReloads.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}

	collections, err := s.introspect(ctx, q)
	if err != nil {
		catalogReloads.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}

	byID := make(map[string]Collection, len(collections))
	for _, c := range collections {
		byID[c.ID] = c
	}
	s.current.Store(&snapshot{
		collections: collections,
		byID:        byID,
		loadedAt:    s.clock.Now(),
	})

	catalogCollections.Set(float64(len(collections)))
	catalogReloads.WithLabelValues("ok").Inc()
	s.log.InfoContext(ctx, "Vector catalog reloaded.", "collections", len(collections))
	return nil
}

// Collections returns the serving snapshot, alphabetical by collection
// id. Empty before the first successful refresh.
func (s *Service) Collections() []Collection {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	return snap.collections
}

// Collection looks up one collection by its "schema.table" id.
func (s *Service) Collection(id string) (Collection, bool) {
	snap := s.current.Load()
	if snap == nil {
		return Collection{}, false
	}
	c, ok := snap.byID[id]
	return c, ok
}

// Loaded reports when the serving snapshot was loaded and how many
// collections it has. ok is false before the first successful refresh.
func (s *Service) Loaded() (loadedAt time.Time, count int, ok bool) {
	snap := s.current.Load()
	if snap == nil {
		return time.Time{}, 0, false
	}
	return snap.loadedAt, len(snap.collections), true
}

const (
	spatialTablesSQL = `
SELECT f_table_schema, f_table_name, f_geometry_column, srid, type
FROM geometry_columns
WHERE f_table_schema = ANY($1)
ORDER BY f_table_schema, f_table_name, f_geometry_column`

	primaryKeySQL = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY a.attnum`

	columnsSQL = `
SELECT column_name, udt_name
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`
)

func (s *Service) introspect(ctx context.Context, q Querier) ([]Collection, error) {
	rows, err := q.Query(ctx, spatialTablesSQL, s.cfg.Schemas)
	if err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err), "listing spatial tables")
	}
	var collections []Collection
	for rows.Next() {
		var c Collection
		var srid int32
		if err := rows.Scan(&c.Schema, &c.Table, &c.GeometryColumn, &srid, &c.GeometryType); err != nil {
			rows.Close()
			return nil, trace.Wrap(err)
		}
		c.SRID = int(srid)
		c.ID = c.Schema + "." + c.Table
		collections = append(collections, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err), "listing spatial tables")
	}

	// A table that cannot be described is skipped, it must not take the
	// whole catalog down with it.
	kept := collections[:0]
	for _, c := range collections {
		if err := s.describe(ctx, q, &c); err != nil {
			s.log.WarnContext(ctx, "Skipping spatial table.", "collection", c.ID, "error", err)
			continue
		}
		kept = append(kept, c)
	}

	slices.SortFunc(kept, func(a, b Collection) int {
		return strings.Compare(a.ID, b.ID)
	})
	return kept, nil
}

func (s *Service) describe(ctx context.Context, q Querier, c *Collection) error {
	regclass := pgx.Identifier{c.Schema, c.Table}.Sanitize()
	rows, err := q.Query(ctx, primaryKeySQL, regclass)
	if err != nil {
		return trace.Wrap(pgpool.ConvertError(err))
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		if c.IDColumn == "" {
			c.IDColumn = name
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return trace.Wrap(pgpool.ConvertError(err))
	}

	rows, err = q.Query(ctx, columnsSQL, c.Schema, c.Table)
	if err != nil {
		return trace.Wrap(pgpool.ConvertError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return trace.Wrap(err)
		}
		if name == c.GeometryColumn {
			continue
		}
		c.Properties = append(c.Properties, Property{Name: name, Type: typ})
	}
	return trace.Wrap(rows.Err())
}
