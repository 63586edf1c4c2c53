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

// Package reader defines how raster backends plug into tilegate and how
// they receive the storage credential of the request they serve.
//
// The credential travels in the request context, never in process
// globals: two requests served concurrently can hold two different
// tokens without seeing each other's.
package reader

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Credential is the object storage identity a request operates under.
type Credential struct {
	// Account is the storage account the token was minted for.
	Account string
	// Token is the bearer token readers present to storage.
	Token string
	// ExpiresAt is when the token stops being accepted.
	ExpiresAt time.Time
}

type credentialKey struct{}

// ContextWithCredential returns a context carrying the storage credential
// for the current request.
func ContextWithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFromContext extracts the storage credential attached by the
// credential middleware. ok is false when the request carries none, which
// is the normal state when storage auth is disabled.
func CredentialFromContext(ctx context.Context) (cred Credential, ok bool) {
	cred, ok = ctx.Value(credentialKey{}).(Credential)
	return cred, ok
}

// Info is the reader-reported description of an asset, passed through to
// the client as JSON.
type Info map[string]any

// TileData is one encoded tile.
type TileData struct {
	// Data is the encoded tile payload.
	Data []byte
	// ContentType is the media type of Data, e.g. image/png.
	ContentType string
}

// Raster reads raster assets addressed by URL. Implementations live
// outside this module; tilegate routes requests to them and injects the
// storage credential into their context.
type Raster interface {
	// Info describes the asset at the given URL.
	Info(ctx context.Context, url string) (Info, error)
	// Tile renders one WebMercatorQuad tile of the asset.
	Tile(ctx context.Context, url string, z, x, y int) (TileData, error)
}

// Mosaic renders tiles for a registered mosaic search.
type Mosaic interface {
	// Tile renders one tile of the mosaic identified by its search hash.
	Tile(ctx context.Context, searchHash string, z, x, y int) (TileData, error)
}

// Unimplemented satisfies both Raster and Mosaic by rejecting every
// operation. It stands in when a deployment does not bind a raster
// backend, keeping the routes present and their errors uniform.
type Unimplemented struct{}

// Info implements [Raster].
func (Unimplemented) Info(ctx context.Context, url string) (Info, error) {
	return nil, trace.NotImplemented("no raster backend configured")
}

// Tile implements [Raster] and [Mosaic].
func (Unimplemented) Tile(ctx context.Context, url string, z, x, y int) (TileData, error) {
	return TileData{}, trace.NotImplemented("no raster backend configured")
}
