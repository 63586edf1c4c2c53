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

// Package credentials acquires and caches the access tokens tilegate uses
// to reach object storage and Postgres. One Provider owns one identity:
// it serves tokens out of a Cache, collapses concurrent fetches into a
// single upstream call, and keeps the last good token around when a
// renewal fails.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/geocline/tilegate"
	"github.com/geocline/tilegate/lib/defaults"
	"github.com/geocline/tilegate/lib/metrics"
)

var (
	tokenCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilegate_token_cache_hits_total",
			Help: "Number of token reads served from the cache.",
		},
		[]string{"identity"},
	)
	tokenCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilegate_token_cache_misses_total",
			Help: "Number of token reads that missed the cache.",
		},
		[]string{"identity"},
	)
	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilegate_token_refresh_total",
			Help: "Number of upstream token acquisitions by result.",
		},
		[]string{"identity", "result"},
	)
)

// minFetchedValidity is the least lifetime a freshly acquired token may
// have. A token this close to expiry would be dead before a request
// could use it, so the acquisition is treated as failed.
const minFetchedValidity = time.Minute

// Source performs one token acquisition round trip against an identity
// endpoint.
type Source interface {
	FetchToken(ctx context.Context) (Token, error)
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Identity names the identity this provider serves, used in logs,
	// metrics and health reporting. Required.
	Identity string
	// Source acquires tokens. Required.
	Source Source
	// AcquireTimeout bounds one upstream acquisition. Defaults to
	// [defaults.TokenAcquireTimeout].
	AcquireTimeout time.Duration
	// Clock is used to judge token validity. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger emits per-acquisition logs. Defaults to the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProviderConfig) CheckAndSetDefaults() error {
	if c.Identity == "" {
		return trace.BadParameter("missing Identity")
	}
	if c.Source == nil {
		return trace.BadParameter("missing Source")
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaults.TokenAcquireTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(tilegate.ComponentKey, tilegate.ComponentCredentials)
	}
	return nil
}

// Provider hands out access tokens for a single identity. Reads are served
// from the cache when the cached token has enough lifetime left; otherwise
// concurrent callers share one upstream fetch.
type Provider struct {
	identity       string
	source         Source
	acquireTimeout time.Duration
	clock          clockwork.Clock
	log            *slog.Logger

	cache       *Cache
	flightGroup singleflight.Group
}

// NewProvider creates a Provider with an empty cache.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterCollectors(tokenCacheHits, tokenCacheMisses, tokenRefreshes); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Provider{
		identity:       cfg.Identity,
		source:         cfg.Source,
		acquireTimeout: cfg.AcquireTimeout,
		clock:          cfg.Clock,
		log:            cfg.Logger.With("identity", cfg.Identity),
		cache:          NewCache(cfg.Clock),
	}, nil
}

// Identity returns the identity name this provider serves.
func (p *Provider) Identity() string {
	return p.identity
}

// Cache exposes the underlying token cache for health reporting.
func (p *Provider) Cache() *Cache {
	return p.cache
}

// Acquire returns a token with strictly more than minValidity lifetime
// left, fetching a new one from the source if the cached token is missing
// or too close to expiry. Concurrent callers that miss the cache share a
// single upstream fetch; each caller's wait is cut short when its own
// context is canceled.
func (p *Provider) Acquire(ctx context.Context, minValidity time.Duration) (Token, error) {
	if token, ok := p.cache.GetIfValid(minValidity); ok {
		tokenCacheHits.WithLabelValues(p.identity).Inc()
		return token, nil
	}
	tokenCacheMisses.WithLabelValues(p.identity).Inc()

	// The fetch runs on a context detached from the winning caller so
	// that one caller going away does not fail everyone sharing the
	// flight. Waiters still honor their own contexts below.
	fetchCtx := context.WithoutCancel(ctx)
	ch := p.flightGroup.DoChan(p.identity, func() (any, error) {
		// Check the cache again inside the flight: a fetch that finished
		// between our miss and joining the flight already stored a token.
		if token, ok := p.cache.GetIfValid(minValidity); ok {
			return token, nil
		}
		token, err := p.fetch(fetchCtx)
		if err != nil {
			return Token{}, trace.Wrap(err)
		}
		return token, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, trace.Wrap(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, trace.Wrap(res.Err)
		}
		return res.Val.(Token), nil
	}
}

// Refresh unconditionally fetches a new token and stores it. On failure
// the previously cached token stays in place, so callers keep getting the
// old token until it actually runs out of lifetime.
func (p *Provider) Refresh(ctx context.Context) (Token, error) {
	token, err := p.fetch(ctx)
	return token, trace.Wrap(err)
}

func (p *Provider) fetch(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	start := p.clock.Now()
	token, err := p.source.FetchToken(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		tokenRefreshes.WithLabelValues(p.identity, "error").Inc()
		p.log.WarnContext(ctx, "Token acquisition timed out.", "timeout", p.acquireTimeout)
		return Token{}, trace.LimitExceeded("token acquisition for %v timed out after %v", p.identity, p.acquireTimeout)
	case err != nil:
		tokenRefreshes.WithLabelValues(p.identity, "error").Inc()
		p.log.WarnContext(ctx, "Token acquisition failed.", "error", err)
		return Token{}, trace.Wrap(err)
	}
	if !token.ValidFor(p.clock.Now(), minFetchedValidity) {
		tokenRefreshes.WithLabelValues(p.identity, "error").Inc()
		return Token{}, trace.BadParameter("identity endpoint returned a token expiring within %v (expires_at=%v)", minFetchedValidity, token.ExpiresAt)
	}
	p.cache.Put(token)
	tokenRefreshes.WithLabelValues(p.identity, "ok").Inc()
	p.log.DebugContext(ctx, "Acquired token.",
		"ttl", token.TTL(p.clock.Now()).Round(time.Second),
		"elapsed", p.clock.Since(start).Round(time.Millisecond),
	)
	return token, nil
}
