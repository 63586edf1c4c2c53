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
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/gravitational/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// StorageScope is the Entra ID scope for Azure Blob Storage tokens.
	StorageScope = "https://storage.azure.com/.default"
	// DatabaseScope is the Entra ID scope for Azure Database for
	// PostgreSQL tokens, used as the connection password.
	DatabaseScope = "https://ossrdbms-aad.database.windows.net/.default"
)

// AzureSourceConfig configures an AzureSource.
type AzureSourceConfig struct {
	// Scope is the Entra ID scope tokens are requested for. Required.
	Scope string
	// ClientID selects a user-assigned managed identity. When empty the
	// system-assigned identity is used.
	ClientID string
	// DevCLI authenticates through the local az CLI login instead of a
	// managed identity. Meant for development machines only.
	DevCLI bool
}

// AzureSource fetches Entra ID access tokens for a fixed scope.
type AzureSource struct {
	cred  azcore.TokenCredential
	scope string
}

// AzureClientOptions returns the azcore options every Azure SDK client in
// tilegate is built with. Outbound requests go through an OpenTelemetry
// instrumented transport so identity and storage round trips show up in
// traces when a trace provider is configured.
func AzureClientOptions() azcore.ClientOptions {
	return azcore.ClientOptions{
		Transport: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NewAzureSource builds the azidentity credential described by the config
// and wraps it into a Source.
func NewAzureSource(cfg AzureSourceConfig) (*AzureSource, error) {
	if cfg.Scope == "" {
		return nil, trace.BadParameter("missing Scope")
	}

	var cred azcore.TokenCredential
	switch {
	case cfg.DevCLI:
		// The CLI credential shells out to az, there is no transport to
		// instrument.
		c, err := azidentity.NewAzureCLICredential(nil)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cred = c
	case cfg.ClientID != "":
		c, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ClientOptions: AzureClientOptions(),
			ID:            azidentity.ClientID(cfg.ClientID),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cred = c
	default:
		c, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			ClientOptions: AzureClientOptions(),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cred = c
	}

	return NewAzureSourceFromCredential(cred, cfg.Scope), nil
}

// NewAzureSourceFromCredential wraps an existing azcore credential into a
// Source for the given scope.
func NewAzureSourceFromCredential(cred azcore.TokenCredential, scope string) *AzureSource {
	return &AzureSource{cred: cred, scope: scope}
}

// Credential returns the underlying azcore credential so SDK clients
// (blob service, key vault) can share it.
func (s *AzureSource) Credential() azcore.TokenCredential {
	return s.cred
}

// FetchToken implements [Source].
func (s *AzureSource) FetchToken(ctx context.Context) (Token, error) {
	token, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{s.scope},
	})
	if err != nil {
		return Token{}, trace.Wrap(ConvertAzureError(err))
	}
	return Token{Value: token.Token, ExpiresAt: token.ExpiresOn}, nil
}

// ConvertAzureError converts errors returned by the Azure SDK into trace
// errors. Errors that are neither response nor authentication failures are
// returned unmodified.
func ConvertAzureError(err error) error {
	if err == nil {
		return nil
	}

	var responseErr *azcore.ResponseError
	var authenticationFailedErr *azidentity.AuthenticationFailedError
	switch {
	case errors.As(err, &responseErr):
		switch responseErr.StatusCode {
		case http.StatusForbidden:
			return trace.AccessDenied("%s", responseErr.Error())
		case http.StatusConflict:
			return trace.AlreadyExists("%s", responseErr.Error())
		case http.StatusNotFound:
			return trace.NotFound("%s", responseErr.Error())
		case http.StatusTooManyRequests:
			return trace.LimitExceeded("%s", responseErr.Error())
		}
		if responseErr.StatusCode >= http.StatusInternalServerError {
			return trace.ConnectionProblem(responseErr, "azure service unavailable")
		}
	case errors.As(err, &authenticationFailedErr):
		// A nil response means the request never reached the endpoint, so
		// the failure is reachability, not authentication.
		if authenticationFailedErr.RawResponse == nil {
			return trace.ConnectionProblem(err, "identity endpoint unreachable")
		}
		return trace.AccessDenied("%s", authenticationFailedErr.Error())
	}
	return err // Return unmodified.
}
