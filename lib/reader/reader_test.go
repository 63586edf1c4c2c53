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

package reader

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCredentialContext(t *testing.T) {
	ctx := context.Background()

	_, ok := CredentialFromContext(ctx)
	require.False(t, ok, "fresh context must carry no credential")

	cred := Credential{
		Account:   "tilegatedata",
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	ctx = ContextWithCredential(ctx, cred)

	got, ok := CredentialFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, cred, got)
}

func TestCredentialContextIsolation(t *testing.T) {
	base := context.Background()
	ctxA := ContextWithCredential(base, Credential{Account: "a", Token: "tok-a"})
	ctxB := ContextWithCredential(base, Credential{Account: "b", Token: "tok-b"})

	credA, ok := CredentialFromContext(ctxA)
	require.True(t, ok)
	credB, ok := CredentialFromContext(ctxB)
	require.True(t, ok)

	require.Equal(t, "tok-a", credA.Token)
	require.Equal(t, "tok-b", credB.Token)
}

func TestUnimplemented(t *testing.T) {
	var r Raster = Unimplemented{}
	var m Mosaic = Unimplemented{}

	_, err := r.Info(context.Background(), "https://example.blob.core.windows.net/c/asset.tif")
	require.True(t, trace.IsNotImplemented(err))

	_, err = r.Tile(context.Background(), "https://example.blob.core.windows.net/c/asset.tif", 3, 4, 5)
	require.True(t, trace.IsNotImplemented(err))

	_, err = m.Tile(context.Background(), "6cacd8c0d16747e1a8b84de1d77e5bbc", 3, 4, 5)
	require.True(t, trace.IsNotImplemented(err))
}
