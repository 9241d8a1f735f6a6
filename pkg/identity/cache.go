package identity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/store"
)

// CachedOracle memoizes successful validations. Entries expire after TTL, so
// revocations are observed with at most TTL of staleness. Errors and
// not-found answers are never cached.
type CachedOracle struct {
	Inner Oracle
	Cache store.Cache
	TTL   time.Duration
}

func NewCachedOracle(inner Oracle, cache store.Cache, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedOracle{Inner: inner, Cache: cache, TTL: ttl}
}

func cacheKey(agentID string) string { return "identity:v1:" + agentID }

func (c *CachedOracle) Validate(ctx context.Context, agentID string) (Validation, error) {
	if raw, err := c.Cache.Get(ctx, cacheKey(agentID)); err == nil && raw != "" {
		var v Validation
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
	}
	v, err := c.Inner.Validate(ctx, agentID)
	if err != nil {
		return Validation{}, err
	}
	if v.Valid {
		if raw, err := json.Marshal(v); err == nil {
			_ = c.Cache.Set(ctx, cacheKey(agentID), string(raw), c.TTL)
		}
	}
	return v, nil
}
