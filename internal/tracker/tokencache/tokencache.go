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

// Package tokencache caches installation access tokens and serializes
// refresh per installation so a burst of callers mints once, not once
// per caller.
package tokencache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is a minted installation access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Minter mints a fresh token for an installation. Implemented over the
// GitHub App credentials; out of this package's scope.
type Minter interface {
	Mint(ctx context.Context, installationID int64) (Token, error)
}

// MinterFunc adapts a function to Minter.
type MinterFunc func(ctx context.Context, installationID int64) (Token, error)

func (f MinterFunc) Mint(ctx context.Context, installationID int64) (Token, error) {
	return f(ctx, installationID)
}

// Cache is a per-installation token cache with single-flight refresh.
type Cache struct {
	minter Minter
	now    func() time.Time
	// skew refreshes tokens slightly before their stated expiry so a
	// token never expires mid-request.
	skew time.Duration

	mu     sync.Mutex
	tokens map[int64]Token
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSkew overrides the early-refresh margin (default 1 minute).
func WithSkew(d time.Duration) Option {
	return func(c *Cache) { c.skew = d }
}

// New builds a Cache over the minter.
func New(minter Minter, opts ...Option) *Cache {
	c := &Cache{
		minter: minter,
		now:    time.Now,
		skew:   time.Minute,
		tokens: make(map[int64]Token),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid token for the installation, minting one if the
// cached token is absent or near expiry. Concurrent refreshes for the
// same installation collapse into a single mint.
func (c *Cache) Token(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && c.now().Add(c.skew).Before(tok.ExpiresAt) {
		return tok.Value, nil
	}

	key := strconv.FormatInt(installationID, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we queued.
		c.mu.Lock()
		tok, ok := c.tokens[installationID]
		c.mu.Unlock()
		if ok && c.now().Add(c.skew).Before(tok.ExpiresAt) {
			return tok, nil
		}

		fresh, err := c.minter.Mint(ctx, installationID)
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.tokens[installationID] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Token).Value, nil
}

// Invalidate drops the cached token for an installation, forcing the
// next Token call to mint. Used after a 401 from the remote.
func (c *Cache) Invalidate(installationID int64) {
	c.mu.Lock()
	delete(c.tokens, installationID)
	c.mu.Unlock()
}
