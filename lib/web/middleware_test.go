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
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/geocline/tilegate/lib/credentials"
	"github.com/geocline/tilegate/lib/reader"
)

type staticTokenSource struct {
	mu    sync.Mutex
	token credentials.Token
	err   error
	calls int
}

func (s *staticTokenSource) FetchToken(ctx context.Context) (credentials.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return credentials.Token{}, s.err
	}
	return s.token, nil
}

func (s *staticTokenSource) set(token credentials.Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.err = token, err
}

func (s *staticTokenSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// newCredentialPack builds a handler with a storage provider backed by the
// given source and a recording COG reader.
func newCredentialPack(t *testing.T, source *staticTokenSource) (*testPack, *fakeRaster) {
	t.Helper()
	cog := &fakeRaster{info: reader.Info{"driver": "GTiff"}}
	pack := newTestHandler(t, func(cfg *Config) {
		provider, err := credentials.NewProvider(credentials.ProviderConfig{
			Identity: "storage_oauth",
			Source:   source,
			Clock:    cfg.Clock,
			Logger:   slog.New(slog.DiscardHandler),
		})
		require.NoError(t, err)
		cfg.StorageProvider = provider
		cfg.StorageAccount = "geoclinetiles"
		cfg.COG = cog
	})
	return pack, cog
}

func TestStorageCredentialInjected(t *testing.T) {
	source := &staticTokenSource{}
	pack, cog := newCredentialPack(t, source)
	source.set(credentials.Token{Value: "tok-1", ExpiresAt: pack.clock.Now().Add(time.Hour)}, nil)

	recorder := pack.get(t, "/cog/info?url=https://geoclinetiles.blob.core.windows.net/rasters/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{"driver":"GTiff"}`, recorder.Body.String())

	require.Len(t, cog.creds, 1)
	require.True(t, cog.credOKs[0])
	require.Equal(t, "geoclinetiles", cog.creds[0].Account)
	require.Equal(t, "tok-1", cog.creds[0].Token)
	require.Equal(t, "https://geoclinetiles.blob.core.windows.net/rasters/dem.tif", cog.urls[0])

	// A second request is served from the token cache.
	recorder = pack.get(t, "/cog/info?url=https://geoclinetiles.blob.core.windows.net/rasters/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, 1, source.callCount())
}

func TestStorageCredentialRefreshAfterExpiry(t *testing.T) {
	source := &staticTokenSource{}
	pack, cog := newCredentialPack(t, source)
	source.set(credentials.Token{Value: "tok-1", ExpiresAt: pack.clock.Now().Add(30 * time.Minute)}, nil)

	recorder := pack.get(t, "/cog/tiles/9/262/168?url=https://geoclinetiles.blob.core.windows.net/rasters/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "tok-1", cog.creds[0].Token)

	// Run the cached token down to under the minimum validity: the next
	// request must fetch a fresh one, not hand out the stale token.
	pack.clock.Advance(30 * time.Minute)
	source.set(credentials.Token{Value: "tok-2", ExpiresAt: pack.clock.Now().Add(time.Hour)}, nil)

	recorder = pack.get(t, "/cog/tiles/9/262/168?url=https://geoclinetiles.blob.core.windows.net/rasters/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "tok-2", cog.creds[1].Token)
	require.Equal(t, 2, source.callCount())
}

func TestStorageCredentialFailureDoesNotBlockRequest(t *testing.T) {
	source := &staticTokenSource{}
	source.set(credentials.Token{}, trace.ConnectionProblem(nil, "identity endpoint unreachable"))
	pack, cog := newCredentialPack(t, source)

	recorder := pack.get(t, "/cog/info?url=https://geoclinetiles.blob.core.windows.net/rasters/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)

	// The reader ran, just without a credential.
	require.Len(t, cog.credOKs, 1)
	require.False(t, cog.credOKs[0])
}

func TestStorageCredentialOnlyOnReaderRoutes(t *testing.T) {
	source := &staticTokenSource{}
	pack, _ := newCredentialPack(t, source)
	source.set(credentials.Token{Value: "tok-1", ExpiresAt: pack.clock.Now().Add(time.Hour)}, nil)

	// Routes that never touch object storage do not acquire tokens.
	for _, path := range []string{"/livez", "/readyz", "/vector/collections", "/dashboard"} {
		pack.get(t, path)
	}
	require.Zero(t, source.callCount())
}

func TestNoStorageProviderMeansNoCredential(t *testing.T) {
	cog := &fakeRaster{info: reader.Info{"driver": "GTiff"}}
	pack := newTestHandler(t, func(cfg *Config) {
		cfg.COG = cog
	})

	recorder := pack.get(t, "/cog/info?url=https://example.com/dem.tif")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, cog.credOKs, 1)
	require.False(t, cog.credOKs[0])
}

func TestRasterRouteValidation(t *testing.T) {
	pack, _ := newCredentialPack(t, &staticTokenSource{})

	// Missing url parameter.
	recorder := pack.get(t, "/cog/info")
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	// Unbound zarr backend answers 501, not 404.
	recorder = pack.get(t, "/zarr/info?url=https://example.com/cube.zarr")
	require.Equal(t, http.StatusNotImplemented, recorder.Code)
}
