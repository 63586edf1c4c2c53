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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Token is an access token together with its expiry.
type Token struct {
	// Value is the opaque bearer token.
	Value string
	// ExpiresAt is the instant the token stops being accepted.
	ExpiresAt time.Time
}

// TTL returns how much lifetime the token has left at the given instant.
// The result is negative for an expired token.
func (t Token) TTL(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// ValidFor reports whether the token still has strictly more than min
// lifetime left at the given instant. A token with exactly min remaining
// is not valid.
func (t Token) ValidFor(now time.Time, min time.Duration) bool {
	return t.TTL(now) > min
}

// Cache holds the most recently acquired token for one identity. It never
// fetches anything itself; providers put tokens in and readers take them
// out. A stale token stays visible through Get so health reporting can
// describe it, but GetIfValid will not hand it out.
type Cache struct {
	clock clockwork.Clock

	mu          sync.RWMutex
	token       Token
	set         bool
	refreshedAt time.Time
}

// NewCache creates an empty token cache on the given clock.
func NewCache(clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{clock: clock}
}

// GetIfValid returns the cached token if it has strictly more than
// minValidity lifetime left.
func (c *Cache) GetIfValid(minValidity time.Duration) (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set || !c.token.ValidFor(c.clock.Now(), minValidity) {
		return Token{}, false
	}
	return c.token, true
}

// Get returns whatever token is cached, valid or not, and whether one has
// ever been stored.
func (c *Cache) Get() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.set
}

// Put stores a freshly acquired token, replacing any previous one.
func (c *Cache) Put(token Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.set = true
	c.refreshedAt = c.clock.Now()
}

// Clear drops the cached token. The next GetIfValid misses.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = Token{}
	c.set = false
	c.refreshedAt = time.Time{}
}

// LastRefresh returns when a token was last stored, and false if the
// cache has never been filled.
func (c *Cache) LastRefresh() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt, c.set
}
