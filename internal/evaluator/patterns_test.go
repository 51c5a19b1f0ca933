package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternCacheMatch(t *testing.T) {
	p, err := newPatternCache()
	require.NoError(t, err)
	defer p.Close()

	matched, err := p.Match("alice@example.com", `@example\.com$`)
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = p.Match("alice@other.com", `@example\.com$`)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestPatternCacheInvalidPattern(t *testing.T) {
	p, err := newPatternCache()
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Match("anything", "(")
	require.Error(t, err)
}

func TestPatternCacheReusesPrograms(t *testing.T) {
	p, err := newPatternCache()
	require.NoError(t, err)
	defer p.Close()

	first, err := p.program(`^user-[0-9]+$`)
	require.NoError(t, err)
	// Ristretto admits asynchronously; wait for the write buffer.
	p.store.Wait()

	second, err := p.program(`^user-[0-9]+$`)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
