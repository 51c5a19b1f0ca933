package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDecisionCacheReusesExisting(t *testing.T) {
	ctx := WithDecisionCache(context.Background())
	first := decisionCacheFrom(ctx)
	require.NotNil(t, first)

	again := WithDecisionCache(ctx)
	assert.Same(t, first, decisionCacheFrom(again))
}

func TestDecisionCacheFromPlainContext(t *testing.T) {
	assert.Nil(t, decisionCacheFrom(context.Background()))
}

func TestDecisionKeyIsOrderInsensitive(t *testing.T) {
	a := decisionKey("u1", Properties{"x": 1, "y": 2}, Groups{"g": "k"}, nil)
	b := decisionKey("u1", Properties{"y": 2, "x": 1}, Groups{"g": "k"}, nil)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestDecisionKeySeparatesSubjects(t *testing.T) {
	base := decisionKey("u1", nil, nil, nil)
	assert.NotEqual(t, base, decisionKey("u2", nil, nil, nil))
	assert.NotEqual(t, base, decisionKey("u1", Properties{"plan": "pro"}, nil, nil))
	assert.NotEqual(t, base, decisionKey("u1", nil, Groups{"company": "acme"}, nil))
	assert.NotEqual(t, base, decisionKey("u1", nil, nil, map[string]Properties{"company": {"tier": "gold"}}))
}

func TestDecisionKeyUnmarshalableContext(t *testing.T) {
	// Channels cannot be serialized; such contexts are uncacheable.
	assert.Empty(t, decisionKey("u1", Properties{"ch": make(chan int)}, nil, nil))
}

func TestDecisionCachePutGet(t *testing.T) {
	c := NewDecisionCache()
	_, ok := c.get("k")
	assert.False(t, ok)

	resp := &decideResponse{FeatureFlags: map[string]any{"f": true}}
	c.put("k", resp)
	got, ok := c.get("k")
	require.True(t, ok)
	assert.Same(t, resp, got)
}
