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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/geocline/tilegate/lib/httplib"
	"github.com/geocline/tilegate/lib/reader"
)

// assetURL reads the url query parameter addressing the raster asset.
func assetURL(r *http.Request) (string, error) {
	url := r.URL.Query().Get("url")
	if url == "" {
		return "", trace.BadParameter("missing url query parameter")
	}
	return url, nil
}

// cogInfo describes a Cloud Optimized GeoTIFF.
func (h *Handler) cogInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.rasterInfo(r, h.cfg.COG)
}

// zarrInfo describes a Zarr or NetCDF store.
func (h *Handler) zarrInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.rasterInfo(r, h.cfg.Zarr)
}

func (h *Handler) rasterInfo(r *http.Request, backend reader.Raster) (any, error) {
	url, err := assetURL(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := backend.Info(r.Context(), url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

// cogTile renders one tile of a Cloud Optimized GeoTIFF.
func (h *Handler) cogTile(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.rasterTile(w, r, p, h.cfg.COG)
}

// zarrTile renders one tile of a Zarr or NetCDF store.
func (h *Handler) zarrTile(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h.rasterTile(w, r, p, h.cfg.Zarr)
}

func (h *Handler) rasterTile(w http.ResponseWriter, r *http.Request, p httprouter.Params, backend reader.Raster) {
	url, err := assetURL(r)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	z, x, y, err := parseTileCoords(p)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	tile, err := backend.Tile(r.Context(), url, z, x, y)
	if err != nil {
		httplib.ReplyError(w, trace.Wrap(err))
		return
	}
	writeTile(w, tile)
}

// writeTile writes an encoded tile straight to the response.
func writeTile(w http.ResponseWriter, tile reader.TileData) {
	contentType := tile.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(tile.Data)
}
