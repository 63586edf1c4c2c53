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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/julienschmidt/httprouter"

	"github.com/geocline/tilegate/lib/catalog"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/pgpool"
)

// mvtContentType is the media type of an encoded Mapbox vector tile.
const mvtContentType = "application/vnd.mapbox-vector-tile"

// vectorQuerier is the subset of the request pool the vector handlers
// need.
type vectorQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type collectionsResponse struct {
	Collections []catalog.Collection `json:"collections"`
	Count       int                  `json:"count"`
}

// listCollections returns the serving catalog snapshot.
func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	collections := h.cfg.Catalog.Collections()
	if collections == nil {
		collections = []catalog.Collection{}
	}
	return collectionsResponse{Collections: collections, Count: len(collections)}, nil
}

// getCollection returns one collection descriptor.
func (h *Handler) getCollection(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	collection, ok := h.cfg.Catalog.Collection(p.ByName("id"))
	if !ok {
		return nil, trace.NotFound("collection %q not found", p.ByName("id"))
	}
	return collection, nil
}

type feature struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type featureCollection struct {
	Type           string    `json:"type"`
	Features       []feature `json:"features"`
	NumberReturned int       `json:"numberReturned"`
}

// collectionItems pages through a collection as a GeoJSON
// FeatureCollection. Geometry is reprojected to WGS84 server-side; the
// feature properties are every non-geometry column of the row.
func (h *Handler) collectionItems(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	collection, ok := h.cfg.Catalog.Collection(p.ByName("id"))
	if !ok {
		return nil, trace.NotFound("collection %q not found", p.ByName("id"))
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bbox, hasBBox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	args := []any{limit, offset}
	if hasBBox {
		args = append(args, bbox[0], bbox[1], bbox[2], bbox[3])
	}

	q, err := h.asyncQuery()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rows, err := q.Query(r.Context(), itemsSQL(collection, hasBBox), args...)
	if err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err))
	}
	defer rows.Close()

	features := make([]feature, 0, limit)
	for rows.Next() {
		var id, geometry, properties string
		if err := rows.Scan(&id, &geometry, &properties); err != nil {
			return nil, trace.Wrap(pgpool.ConvertError(err))
		}
		features = append(features, feature{
			Type:       "Feature",
			ID:         id,
			Geometry:   json.RawMessage(geometry),
			Properties: json.RawMessage(properties),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err))
	}

	return featureCollection{
		Type:           "FeatureCollection",
		Features:       features,
		NumberReturned: len(features),
	}, nil
}

// vectorTile renders one Mapbox vector tile of a collection. The tile is
// cut and encoded inside Postgres; an empty tile is a 204 so map clients
// skip decoding.
func (h *Handler) vectorTile(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	collection, ok := h.cfg.Catalog.Collection(p.ByName("id"))
	if !ok {
		httplib.ReplyError(w, trace.NotFound("collection %q not found", p.ByName("id")))
		return
	}
	z, x, y, err := parseTileCoords(p)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	q, err := h.asyncQuery()
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}

	var tile []byte
	if err := q.QueryRow(r.Context(), mvtSQL(collection), z, x, y, collection.ID).Scan(&tile); err != nil {
		httplib.ReplyError(w, pgpool.ConvertError(err))
		return
	}
	if len(tile) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", mvtContentType)
	w.Write(tile)
}

// parsePage reads the limit and offset query parameters. The limit is
// clamped to [defaults.FeatureLimitMax].
func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = defaults.FeatureLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, trace.BadParameter("invalid limit %q: must be a positive integer", raw)
		}
		limit = min(limit, defaults.FeatureLimitMax)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, trace.BadParameter("invalid offset %q: must be a non-negative integer", raw)
		}
	}
	return limit, offset, nil
}

// parseBBox reads an optional minx,miny,maxx,maxy filter in WGS84.
func parseBBox(raw string) (bbox [4]float64, ok bool, err error) {
	if raw == "" {
		return bbox, false, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return bbox, false, trace.BadParameter("bbox must be minx,miny,maxx,maxy")
	}
	for i, part := range parts {
		bbox[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return bbox, false, trace.BadParameter("bbox coordinate %q is not a number", part)
		}
	}
	if bbox[0] > bbox[2] || bbox[1] > bbox[3] {
		return bbox, false, trace.BadParameter("bbox is inverted: min corner must be south-west of max corner")
	}
	return bbox, true, nil
}

// itemsSQL builds the feature page query for a collection. Identifiers
// come from database introspection and are quoted; request values travel
// as bind parameters.
func itemsSQL(c catalog.Collection, withBBox bool) string {
	table := pgx.Identifier{c.Schema, c.Table}.Sanitize()
	geom := "t." + pgx.Identifier{c.GeometryColumn}.Sanitize()
	reproject := c.SRID != 0 && c.SRID != 4326

	idExpr := "''"
	if c.IDColumn != "" {
		idExpr = "COALESCE(t." + pgx.Identifier{c.IDColumn}.Sanitize() + "::text, '')"
	}
	geomExpr := geom
	if reproject {
		geomExpr = "ST_Transform(" + geom + ", 4326)"
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(idExpr)
	b.WriteString(" AS id, ST_AsGeoJSON(")
	b.WriteString(geomExpr)
	b.WriteString(")::text AS geometry, (to_jsonb(t.*) - ")
	b.WriteString(quoteLiteral(c.GeometryColumn))
	b.WriteString(")::text AS properties FROM ")
	b.WriteString(table)
	b.WriteString(" AS t")
	if withBBox {
		envelope := "ST_MakeEnvelope($3, $4, $5, $6, 4326)"
		if reproject {
			envelope = fmt.Sprintf("ST_Transform(%s, %d)", envelope, c.SRID)
		}
		b.WriteString(" WHERE ")
		b.WriteString(geom)
		b.WriteString(" && ")
		b.WriteString(envelope)
	}
	if c.IDColumn != "" {
		b.WriteString(" ORDER BY t.")
		b.WriteString(pgx.Identifier{c.IDColumn}.Sanitize())
	}
	b.WriteString(" LIMIT $1 OFFSET $2")
	return b.String()
}

// mvtSQL builds the vector tile query for a collection: clip the rows to
// the tile envelope, reproject to WebMercator and encode as MVT, all
// inside Postgres.
func mvtSQL(c catalog.Collection) string {
	table := pgx.Identifier{c.Schema, c.Table}.Sanitize()
	geom := "t." + pgx.Identifier{c.GeometryColumn}.Sanitize()

	webMercator := geom
	bounds := "bounds.geom"
	if c.SRID != 0 && c.SRID != 3857 {
		webMercator = "ST_Transform(" + geom + ", 3857)"
		bounds = fmt.Sprintf("ST_Transform(bounds.geom, %d)", c.SRID)
	}

	columns := []string{"ST_AsMVTGeom(" + webMercator + ", bounds.geom) AS geom"}
	for _, property := range c.Properties {
		columns = append(columns, "t."+pgx.Identifier{property.Name}.Sanitize())
	}

	return "WITH bounds AS (SELECT ST_TileEnvelope($1, $2, $3) AS geom), " +
		"mvtgeom AS (SELECT " + strings.Join(columns, ", ") +
		" FROM " + table + " AS t, bounds" +
		" WHERE " + geom + " && " + bounds + ")" +
		" SELECT COALESCE(ST_AsMVT(mvtgeom.*, $4), ''::bytea) FROM mvtgeom"
}

// quoteLiteral quotes s as a Postgres string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
