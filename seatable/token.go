package seatable

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is how long an app token is reused before it is fetched again.
const DefaultTokenTTL = 48 * time.Hour

const tokenFetchTimeout = 30 * time.Second

// AppToken is the base access granted to an API token.
type AppToken struct {
	AccessToken  string `json:"access_token"`
	DTableUUID   string `json:"dtable_uuid"`
	DTableServer string `json:"dtable_server"`
	AppName      string `json:"app_name"`
}

// tokenCache keeps one AppToken for ttl. Concurrent refreshes share a
// single request.
type tokenCache struct {
	ttl   time.Duration
	now   func() time.Time
	fetch func(context.Context) (AppToken, error)

	group singleflight.Group

	mu        sync.Mutex
	token     AppToken
	fetchedAt time.Time
	valid     bool
}

func newTokenCache(ttl time.Duration, fetch func(context.Context) (AppToken, error)) *tokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &tokenCache{ttl: ttl, now: time.Now, fetch: fetch}
}

// get returns the cached token or refreshes it. The refresh is shared by
// all waiting callers and outlives any single caller's ctx; a caller whose
// ctx ends stops waiting without cancelling the others.
func (c *tokenCache) get(ctx context.Context) (AppToken, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	ch := c.group.DoChan("app-token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return AppToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AppToken{}, res.Err
		}
		return res.Val.(AppToken), nil
	}
}

// refresh fetches a new token unless another refresh stored one in the
// meantime.
func (c *tokenCache) refresh(ctx context.Context) (AppToken, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}
	token, err := c.fetch(ctx)
	if err != nil {
		return AppToken{}, err
	}
	c.mu.Lock()
	c.token = token
	c.fetchedAt = c.now()
	c.valid = true
	c.mu.Unlock()
	return token, nil
}

func (c *tokenCache) cached() (AppToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.token, true
	}
	return AppToken{}, false
}

func (c *tokenCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
