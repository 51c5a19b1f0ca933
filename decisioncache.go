package pulse

import (
	"context"
	"encoding/json"
	"sync"
)

// DecisionCache memoizes remote flag decisions for the duration of one
// request scope. Entries are keyed on the distinct-id plus the exact
// property and group context sent to the decide endpoint, so the same
// user with different person properties still triggers a fresh fetch.
// Error results are never cached.
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[string]*decideResponse
}

// NewDecisionCache returns an empty cache. Most callers use
// WithDecisionCache instead and let the client find it on the context.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{entries: make(map[string]*decideResponse)}
}

type decisionCacheCtxKey struct{}

// WithDecisionCache attaches a fresh decision cache to ctx, bounding the
// memoization to that context's lifetime (typically one request). Without
// a cache on the context every flag query that needs the server performs
// its own fetch.
func WithDecisionCache(ctx context.Context) context.Context {
	if ctx.Value(decisionCacheCtxKey{}) != nil {
		return ctx
	}
	return context.WithValue(ctx, decisionCacheCtxKey{}, NewDecisionCache())
}

func decisionCacheFrom(ctx context.Context) *DecisionCache {
	cache, _ := ctx.Value(decisionCacheCtxKey{}).(*DecisionCache)
	return cache
}

func (c *DecisionCache) get(key string) (*decideResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	return resp, ok
}

func (c *DecisionCache) put(key string, resp *decideResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp
}

// decisionKey canonicalizes the evaluation context. encoding/json sorts
// map keys, so structurally equal contexts produce equal keys regardless
// of insertion order.
func decisionKey(distinctID string, person Properties, groups Groups, groupProps map[string]Properties) string {
	raw, err := json.Marshal(struct {
		DistinctID string                `json:"d"`
		Person     Properties            `json:"p,omitempty"`
		Groups     Groups                `json:"g,omitempty"`
		GroupProps map[string]Properties `json:"gp,omitempty"`
	}{distinctID, person, groups, groupProps})
	if err != nil {
		// Unmarshalable context values fall back to an uncacheable key.
		return ""
	}
	return string(raw)
}
