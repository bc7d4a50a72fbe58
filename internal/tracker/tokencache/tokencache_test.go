// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokencache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenIsCachedUntilExpiry(t *testing.T) {
	var mints atomic.Int32
	now := time.Now()

	cache := New(MinterFunc(func(ctx context.Context, id int64) (Token, error) {
		n := mints.Add(1)
		return Token{Value: fmt.Sprintf("tok-%d", n), ExpiresAt: now.Add(time.Hour)}, nil
	}), WithClock(func() time.Time { return now }))

	tok, err := cache.Token(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	tok, err = cache.Token(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.Equal(t, int32(1), mints.Load())
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	var mints atomic.Int32
	current := time.Now()

	cache := New(MinterFunc(func(ctx context.Context, id int64) (Token, error) {
		n := mints.Add(1)
		return Token{Value: fmt.Sprintf("tok-%d", n), ExpiresAt: current.Add(10 * time.Minute)}, nil
	}), WithClock(func() time.Time { return current }))

	tok, err := cache.Token(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	// Within the skew window of expiry, the cache must mint again.
	current = current.Add(9*time.Minute + 30*time.Second)
	tok, err = cache.Token(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
}

func TestInvalidateForcesMint(t *testing.T) {
	var mints atomic.Int32
	now := time.Now()

	cache := New(MinterFunc(func(ctx context.Context, id int64) (Token, error) {
		n := mints.Add(1)
		return Token{Value: fmt.Sprintf("tok-%d", n), ExpiresAt: now.Add(time.Hour)}, nil
	}), WithClock(func() time.Time { return now }))

	_, err := cache.Token(context.Background(), 7)
	require.NoError(t, err)

	cache.Invalidate(7)
	tok, err := cache.Token(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
}

func TestConcurrentRefreshMintsOnce(t *testing.T) {
	var mints atomic.Int32
	now := time.Now()
	release := make(chan struct{})

	cache := New(MinterFunc(func(ctx context.Context, id int64) (Token, error) {
		mints.Add(1)
		<-release
		return Token{Value: "tok", ExpiresAt: now.Add(time.Hour)}, nil
	}), WithClock(func() time.Time { return now }))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Token(context.Background(), 99)
			require.NoError(t, err)
			require.Equal(t, "tok", tok)
		}()
	}

	// Give the goroutines time to pile onto the single flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), mints.Load())
}

func TestInstallationsAreIndependent(t *testing.T) {
	now := time.Now()
	cache := New(MinterFunc(func(ctx context.Context, id int64) (Token, error) {
		return Token{Value: fmt.Sprintf("tok-%d", id), ExpiresAt: now.Add(time.Hour)}, nil
	}), WithClock(func() time.Time { return now }))

	a, err := cache.Token(context.Background(), 1)
	require.NoError(t, err)
	b, err := cache.Token(context.Background(), 2)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
