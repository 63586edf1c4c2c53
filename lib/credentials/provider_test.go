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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context) (Token, error)
}

func (s *fakeSource) FetchToken(ctx context.Context) (Token, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fetch(ctx)
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestProvider(t *testing.T, clock clockwork.Clock, source Source) *Provider {
	t.Helper()
	provider, err := NewProvider(ProviderConfig{
		Identity: "storage_oauth",
		Source:   source,
		Clock:    clock,
	})
	require.NoError(t, err)
	return provider
}

func TestProviderAcquireUsesCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{Value: "tok-1", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	provider := newTestProvider(t, clock, source)

	ctx := context.Background()
	token, err := provider.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Value)
	require.Equal(t, 1, source.fetchCount())

	// Second acquire is served from the cache.
	token, err = provider.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Value)
	require.Equal(t, 1, source.fetchCount())

	// Once the token is too close to expiry a new one is fetched.
	clock.Advance(time.Hour - 30*time.Second)
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{Value: "tok-2", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	token, err = provider.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token.Value)
	require.Equal(t, 2, source.fetchCount())
}

func TestProviderAcquireSingleFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		<-release
		return Token{Value: "tok-1", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}
	provider := newTestProvider(t, clock, source)

	const workers = 8
	var wg sync.WaitGroup
	tokens := make([]Token, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = provider.Acquire(context.Background(), time.Minute)
		}()
	}

	// Let the goroutines pile up on the flight, then let the single
	// fetch finish.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		require.Equal(t, "tok-1", tokens[i].Value)
	}
	require.Equal(t, 1, source.fetchCount(), "concurrent acquires must share one fetch")
}

func TestProviderAcquireHonorsCallerContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		<-release
		return Token{}, trace.ConnectionProblem(nil, "never reached")
	}
	provider := newTestProvider(t, clock, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := provider.Acquire(ctx, time.Minute)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after its context was canceled")
	}
}

func TestProviderRefreshKeepsStaleTokenOnFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{Value: "tok-1", ExpiresAt: clock.Now().Add(2 * time.Hour)}, nil
	}
	provider := newTestProvider(t, clock, source)

	ctx := context.Background()
	_, err := provider.Refresh(ctx)
	require.NoError(t, err)

	// The renewal attempt fails, the still valid token must survive.
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{}, trace.ConnectionProblem(nil, "identity endpoint unreachable")
	}
	_, err = provider.Refresh(ctx)
	require.Error(t, err)

	token, err := provider.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Value)
}

func TestProviderRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{Value: "dead", ExpiresAt: clock.Now().Add(-time.Minute)}, nil
	}
	provider := newTestProvider(t, clock, source)

	_, err := provider.Acquire(context.Background(), time.Minute)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	_, ok := provider.Cache().Get()
	require.False(t, ok, "an expired token must not be cached")

	// A token that is technically alive but about to die is rejected the
	// same way.
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{Value: "dying", ExpiresAt: clock.Now().Add(30 * time.Second)}, nil
	}
	_, err = provider.Acquire(context.Background(), 0)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestProviderReportsAcquisitionTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	source.fetch = func(ctx context.Context) (Token, error) {
		return Token{}, context.DeadlineExceeded
	}
	provider := newTestProvider(t, clock, source)

	_, err := provider.Acquire(context.Background(), time.Minute)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
	require.ErrorContains(t, err, "timed out")
}

func TestProviderConfigCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ProviderConfig
		assertErr require.ErrorAssertionFunc
	}{
		{
			name:      "missing identity",
			cfg:       ProviderConfig{Source: &fakeSource{}},
			assertErr: require.Error,
		},
		{
			name:      "missing source",
			cfg:       ProviderConfig{Identity: "storage_oauth"},
			assertErr: require.Error,
		},
		{
			name:      "ok",
			cfg:       ProviderConfig{Identity: "storage_oauth", Source: &fakeSource{}},
			assertErr: require.NoError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckAndSetDefaults()
			tt.assertErr(t, err)
		})
	}
}
