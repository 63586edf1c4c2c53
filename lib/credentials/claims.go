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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// TokenClaims is the subset of access token claims surfaced by the
// diagnostics endpoint.
type TokenClaims struct {
	Audience  []string  `json:"aud,omitempty"`
	Issuer    string    `json:"iss,omitempty"`
	ObjectID  string    `json:"oid,omitempty"`
	ExpiresAt time.Time `json:"exp,omitzero"`
}

// PeekClaims decodes the claims of a JWT access token without verifying
// its signature. The token was minted by the identity endpoint we asked,
// so the decode is informational only and must never be used to make
// authorization decisions.
func PeekClaims(raw string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenClaims{}, trace.Wrap(err, "decoding token claims")
	}

	var out TokenClaims
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = aud
	}
	if iss, err := claims.GetIssuer(); err == nil {
		out.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if oid, ok := claims["oid"].(string); ok {
		out.ObjectID = oid
	}
	return out, nil
}
