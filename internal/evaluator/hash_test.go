package evaluator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketReferenceVectors(t *testing.T) {
	// Precomputed: sha1(salt+id), first 15 hex digits / 2^60.
	// sha1("beta-feature.some_distinct_id")[:15] = ccd1a59d7420199
	// sha1("beta-feature.variantsome_distinct_id")[:15] = 4d7e6b5cf27c6b2
	// sha1("experiment.user-42")[:15] = b39d481e5d8620f
	cases := []struct {
		salt string
		id   string
		want float64
	}{
		{"beta-feature.", "some_distinct_id", 0.8000739583404769},
		{"beta-feature.variant", "some_distinct_id", 0.30271025675982494},
		{"experiment.", "user-42", 0.7016186784872152},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, bucket(tc.salt, tc.id), 1e-12, "bucket(%q, %q)", tc.salt, tc.id)
	}
}

func TestBucketIsDeterministic(t *testing.T) {
	a := bucket("beta-feature.", "user-1")
	b := bucket("beta-feature.", "user-1")
	assert.Equal(t, a, b)
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := bucket("some-flag.", fmt.Sprintf("user-%d", i))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestBucketSaltSeparatesDistributions(t *testing.T) {
	// The rollout salt and the variant salt must bucket the same id
	// independently.
	assert.NotEqual(t, bucket("flag.", "user-1"), bucket("flag.variant", "user-1"))
}

func TestBucketSpreadsRoughlyUniformly(t *testing.T) {
	const n = 10000
	below := 0
	for i := 0; i < n; i++ {
		if bucket("spread-check.", fmt.Sprintf("id-%d", i)) < 0.5 {
			below++
		}
	}
	// Within five points of an even split.
	assert.InDelta(t, n/2, below, n/20)
}
