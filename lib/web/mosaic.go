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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/julienschmidt/httprouter"

	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/pgpool"
)

type mosaicRegisterRequest struct {
	// Collections are the STAC collection ids the mosaic searches.
	Collections []string `json:"collections"`
	// Datetime is an optional RFC 3339 instant or interval filter.
	Datetime string `json:"datetime,omitempty"`
	// Bbox is an optional spatial filter in WGS84.
	Bbox []float64 `json:"bbox,omitempty"`
}

func (r *mosaicRegisterRequest) check() error {
	if len(r.Collections) == 0 {
		return trace.BadParameter("at least one collection is required")
	}
	if n := len(r.Bbox); n != 0 && n != 4 && n != 6 {
		return trace.BadParameter("bbox must have 4 or 6 coordinates, got %d", n)
	}
	return nil
}

type mosaicRegisterResponse struct {
	SearchID string `json:"search_id"`
}

// mosaicRegister stores a STAC search in pgstac and returns its content
// hash. Registration is idempotent: the same search always maps to the
// same hash. It runs on the administrative pool so registrations never
// compete with tile traffic for connections.
func (h *Handler) mosaicRegister(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req mosaicRegisterRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.check(); err != nil {
		return nil, trace.Wrap(err)
	}

	search := map[string]any{"collections": req.Collections}
	if req.Datetime != "" {
		search["datetime"] = req.Datetime
	}
	if len(req.Bbox) > 0 {
		search["bbox"] = req.Bbox
	}
	body, err := json.Marshal(search)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	db, err := h.syncDB()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var hash string
	query := fmt.Sprintf("SELECT hash FROM %s.search_query($1::jsonb)", pgx.Identifier{h.cfg.PgstacSchema}.Sanitize())
	if err := db.QueryRowContext(r.Context(), query, string(body)).Scan(&hash); err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err))
	}
	return mosaicRegisterResponse{SearchID: hash}, nil
}

type mosaicInfoResponse struct {
	SearchID string          `json:"search_id"`
	Search   json.RawMessage `json:"search"`
	Metadata json.RawMessage `json:"metadata"`
	LastUsed time.Time       `json:"lastused"`
	UseCount int64           `json:"usecount"`
}

// mosaicInfo returns the stored search for a registered mosaic.
func (h *Handler) mosaicInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	searchID := p.ByName("searchID")

	db, err := h.syncDB()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var (
		search, metadata string
		lastUsed         time.Time
		useCount         int64
	)
	query := fmt.Sprintf("SELECT search::text, COALESCE(metadata::text, '{}'), lastused, usecount FROM %s.searches WHERE hash = $1",
		pgx.Identifier{h.cfg.PgstacSchema}.Sanitize())
	err = db.QueryRowContext(r.Context(), query, searchID).Scan(&search, &metadata, &lastUsed, &useCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("mosaic search %q is not registered", searchID)
	}
	if err != nil {
		return nil, trace.Wrap(pgpool.ConvertError(err))
	}
	return mosaicInfoResponse{
		SearchID: searchID,
		Search:   json.RawMessage(search),
		Metadata: json.RawMessage(metadata),
		LastUsed: lastUsed,
		UseCount: useCount,
	}, nil
}

// mosaicTile renders one tile of a registered mosaic through the mosaic
// backend.
func (h *Handler) mosaicTile(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	z, x, y, err := parseTileCoords(p)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	tile, err := h.cfg.Mosaic.Tile(r.Context(), p.ByName("searchID"), z, x, y)
	if err != nil {
		httplib.ReplyError(w, trace.Wrap(err))
		return
	}
	writeTile(w, tile)
}
