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
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/gravitational/trace"

	"github.com/geocline/tilegate/lib/defaults"
)

// Database authentication modes.
const (
	// DBAuthModeManagedIdentity authenticates to Postgres with short lived
	// Entra ID tokens used as the connection password. The only mode in
	// which connection pools get rotated.
	DBAuthModeManagedIdentity = "managed_identity"
	// DBAuthModeSecretStore reads a static database password from Azure
	// Key Vault.
	DBAuthModeSecretStore = "secret_store"
	// DBAuthModePassword takes the database password directly from
	// configuration.
	DBAuthModePassword = "password"
)

// PasswordSource resolves a static database password.
type PasswordSource interface {
	FetchPassword(ctx context.Context) (string, error)
}

// KeyVaultSource reads a named secret from Azure Key Vault.
type KeyVaultSource struct {
	client *azsecrets.Client
	name   string
}

// NewKeyVaultSource creates a source reading the given secret from the
// vault at vaultURI. When cred is nil the default Azure credential chain
// is used.
func NewKeyVaultSource(vaultURI, secretName string, cred azcore.TokenCredential) (*KeyVaultSource, error) {
	if vaultURI == "" {
		return nil, trace.BadParameter("missing vault URI")
	}
	if secretName == "" {
		return nil, trace.BadParameter("missing secret name")
	}
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			ClientOptions: AzureClientOptions(),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cred = c
	}
	client, err := azsecrets.NewClient(vaultURI, cred, &azsecrets.ClientOptions{
		ClientOptions: AzureClientOptions(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &KeyVaultSource{client: client, name: secretName}, nil
}

// FetchPassword implements [PasswordSource].
func (s *KeyVaultSource) FetchPassword(ctx context.Context) (string, error) {
	// An empty version fetches the latest version of the secret.
	resp, err := s.client.GetSecret(ctx, s.name, "", nil)
	if err != nil {
		return "", trace.Wrap(ConvertAzureError(err))
	}
	if resp.Value == nil {
		return "", trace.NotFound("secret %q has no value", s.name)
	}
	return *resp.Value, nil
}

// StaticSource is a PasswordSource backed by a configuration value.
type StaticSource string

// FetchPassword implements [PasswordSource].
func (s StaticSource) FetchPassword(ctx context.Context) (string, error) {
	if s == "" {
		return "", trace.BadParameter("database password is empty")
	}
	return string(s), nil
}

// DatabaseCredentialsConfig configures DatabaseCredentials.
type DatabaseCredentialsConfig struct {
	// Mode is one of the DBAuthMode constants. Required.
	Mode string
	// Provider acquires database access tokens. Required in managed
	// identity mode, ignored otherwise.
	Provider *Provider
	// Source resolves the static password. Required in secret store and
	// password modes, ignored otherwise.
	Source PasswordSource
}

// CheckAndSetDefaults validates the config.
func (c *DatabaseCredentialsConfig) CheckAndSetDefaults() error {
	switch c.Mode {
	case DBAuthModeManagedIdentity:
		if c.Provider == nil {
			return trace.BadParameter("managed identity database auth requires a token provider")
		}
	case DBAuthModeSecretStore, DBAuthModePassword:
		if c.Source == nil {
			return trace.BadParameter("%v database auth requires a password source", c.Mode)
		}
	case "":
		return trace.BadParameter("missing database auth mode")
	default:
		return trace.BadParameter("unsupported database auth mode %q", c.Mode)
	}
	return nil
}

// DatabaseCredentials resolves the Postgres connection password for the
// configured auth mode. In managed identity mode every resolution goes
// through the token provider; in the static modes the password is
// resolved once and then reused for the life of the process.
type DatabaseCredentials struct {
	mode     string
	provider *Provider
	source   PasswordSource

	mu       sync.RWMutex
	resolved string
	done     bool
}

// NewDatabaseCredentials creates a DatabaseCredentials.
func NewDatabaseCredentials(cfg DatabaseCredentialsConfig) (*DatabaseCredentials, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DatabaseCredentials{
		mode:     cfg.Mode,
		provider: cfg.Provider,
		source:   cfg.Source,
	}, nil
}

// Mode returns the configured auth mode.
func (d *DatabaseCredentials) Mode() string {
	return d.mode
}

// Expiring reports whether the credential has a lifetime, meaning pools
// built from it must be rotated before it runs out.
func (d *DatabaseCredentials) Expiring() bool {
	return d.mode == DBAuthModeManagedIdentity
}

// TokenCache exposes the database token cache for health reporting, nil
// outside managed identity mode.
func (d *DatabaseCredentials) TokenCache() *Cache {
	if d.provider == nil {
		return nil
	}
	return d.provider.Cache()
}

// Password returns the credential new connections should present.
func (d *DatabaseCredentials) Password(ctx context.Context) (string, error) {
	if d.mode == DBAuthModeManagedIdentity {
		token, err := d.provider.Acquire(ctx, defaults.MinTokenValidity)
		if err != nil {
			return "", trace.Wrap(err)
		}
		return token.Value, nil
	}

	d.mu.RLock()
	resolved, done := d.resolved, d.done
	d.mu.RUnlock()
	if done {
		return resolved, nil
	}
	return d.resolve(ctx)
}

// Refresh forces re-resolution of the credential. In managed identity
// mode this acquires a fresh token; in the static modes it re-reads the
// source.
func (d *DatabaseCredentials) Refresh(ctx context.Context) (string, error) {
	if d.mode == DBAuthModeManagedIdentity {
		token, err := d.provider.Refresh(ctx)
		if err != nil {
			return "", trace.Wrap(err)
		}
		return token.Value, nil
	}
	return d.resolve(ctx)
}

func (d *DatabaseCredentials) resolve(ctx context.Context) (string, error) {
	password, err := d.source.FetchPassword(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	d.mu.Lock()
	d.resolved = password
	d.done = true
	d.mu.Unlock()
	return password, nil
}
