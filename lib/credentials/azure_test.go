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

package credentials

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type fakeAzureCredential struct {
	token azcore.AccessToken
	err   error

	gotScopes []string
}

func (c *fakeAzureCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.gotScopes = opts.Scopes
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	return c.token, nil
}

func TestAzureSourceFetchToken(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := &fakeAzureCredential{
		token: azcore.AccessToken{Token: "tok-1", ExpiresOn: expires},
	}
	source := NewAzureSourceFromCredential(cred, StorageScope)

	token, err := source.FetchToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Value)
	require.Equal(t, expires, token.ExpiresAt)
	require.Equal(t, []string{StorageScope}, cred.gotScopes)
}

func TestAzureSourceFetchTokenError(t *testing.T) {
	cred := &fakeAzureCredential{err: &azidentity.AuthenticationFailedError{}}
	source := NewAzureSourceFromCredential(cred, DatabaseScope)

	_, err := source.FetchToken(context.Background())
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestConvertAzureError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		assertErr func(error) bool
	}{
		{
			name:      "forbidden",
			err:       &azcore.ResponseError{ErrorCode: "AuthorizationFailure", StatusCode: 403},
			assertErr: trace.IsAccessDenied,
		},
		{
			name:      "conflict",
			err:       &azcore.ResponseError{ErrorCode: "Conflict", StatusCode: 409},
			assertErr: trace.IsAlreadyExists,
		},
		{
			name:      "not found",
			err:       &azcore.ResponseError{ErrorCode: "SecretNotFound", StatusCode: 404},
			assertErr: trace.IsNotFound,
		},
		{
			name:      "throttled",
			err:       &azcore.ResponseError{ErrorCode: "TooManyRequests", StatusCode: 429},
			assertErr: trace.IsLimitExceeded,
		},
		{
			name:      "server error",
			err:       &azcore.ResponseError{ErrorCode: "InternalError", StatusCode: 503},
			assertErr: trace.IsConnectionProblem,
		},
		{
			name: "authentication failed",
			err: &azidentity.AuthenticationFailedError{
				RawResponse: &http.Response{StatusCode: http.StatusUnauthorized},
			},
			assertErr: trace.IsAccessDenied,
		},
		{
			name:      "endpoint unreachable",
			err:       &azidentity.AuthenticationFailedError{},
			assertErr: trace.IsConnectionProblem,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			converted := ConvertAzureError(tt.err)
			require.True(t, tt.assertErr(converted), "unexpected conversion: %v", converted)
		})
	}

	t.Run("nil", func(t *testing.T) {
		require.NoError(t, ConvertAzureError(nil))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		err := trace.ConnectionProblem(nil, "dial failed")
		require.Equal(t, err, ConvertAzureError(err))
	})
}
