package evaluator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftline/pulse-go/internal/flags"
)

func newTestRun(t *testing.T) *run {
	t.Helper()
	e, err := New(func() *flags.Snapshot { return nil })
	require.NoError(t, err)
	t.Cleanup(e.Close)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return newRun(e.WithNow(func() time.Time { return now }), &flags.Snapshot{}, Subject{})
}

func filterOf(key string, op flags.Operator, value any) flags.PropertyFilter {
	return flags.PropertyFilter{Key: key, Operator: op, Value: value, Type: flags.FilterPerson}
}

func TestMatchPropertyExact(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"plan": "pro", "seats": 5.0}

	cases := []struct {
		name   string
		filter flags.PropertyFilter
		want   bool
	}{
		{"string match", filterOf("plan", flags.OperatorExact, "pro"), true},
		{"string mismatch", filterOf("plan", flags.OperatorExact, "free"), false},
		{"implicit exact", filterOf("plan", "", "pro"), true},
		{"numeric equal across types", filterOf("seats", flags.OperatorExact, "5"), true},
		{"list membership", filterOf("plan", flags.OperatorExact, []any{"free", "pro"}), true},
		{"list miss", filterOf("plan", flags.OperatorExact, []any{"free", "trial"}), false},
		{"string list membership", filterOf("plan", flags.OperatorExact, []string{"pro"}), true},
		{"in operator membership", filterOf("plan", flags.OperatorIn, []any{"free", "pro"}), true},
		{"in operator miss", filterOf("plan", flags.OperatorIn, []any{"free"}), false},
		{"is_not on present value", filterOf("plan", flags.OperatorIsNot, "free"), true},
		{"is_not hit", filterOf("plan", flags.OperatorIsNot, "pro"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.matchProperty(tc.filter, props)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchPropertyMissingValue(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{}

	// Negative operators are satisfied by absence.
	got, err := r.matchProperty(filterOf("plan", flags.OperatorIsNotSet, nil), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("plan", flags.OperatorIsNot, "pro"), props)
	require.NoError(t, err)
	assert.True(t, got)

	// Everything else is inconclusive, not false.
	_, err = r.matchProperty(filterOf("plan", flags.OperatorExact, "pro"), props)
	require.ErrorIs(t, err, ErrInconclusive)

	_, err = r.matchProperty(filterOf("plan", flags.OperatorIsSet, nil), props)
	require.ErrorIs(t, err, ErrInconclusive)
}

func TestMatchPropertySetOperators(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"plan": "pro"}

	got, err := r.matchProperty(filterOf("plan", flags.OperatorIsSet, nil), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("plan", flags.OperatorIsNotSet, nil), props)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMatchPropertyContains(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"email": "Alice@Example.COM"}

	got, err := r.matchProperty(filterOf("email", flags.OperatorIContains, "@example.com"), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("email", flags.OperatorNotIContains, "@corp.com"), props)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestMatchPropertyRegex(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"email": "alice@example.com"}

	got, err := r.matchProperty(filterOf("email", flags.OperatorRegex, `@example\.com$`), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("email", flags.OperatorNotRegex, `@corp\.com$`), props)
	require.NoError(t, err)
	assert.True(t, got)

	// An invalid pattern matches nothing under either polarity.
	_, err = r.matchProperty(filterOf("email", flags.OperatorRegex, "("), props)
	require.ErrorIs(t, err, ErrInconclusive)

	_, err = r.matchProperty(filterOf("email", flags.OperatorNotRegex, "("), props)
	require.ErrorIs(t, err, ErrInconclusive)
}

func TestMatchPropertyOrderedComparisons(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"age": 30.0, "tier": "gold"}

	cases := []struct {
		name   string
		filter flags.PropertyFilter
		want   bool
	}{
		{"gt hit", filterOf("age", flags.OperatorGT, 21), true},
		{"gt miss", filterOf("age", flags.OperatorGT, 30), false},
		{"gte boundary", filterOf("age", flags.OperatorGTE, 30), true},
		{"lt hit", filterOf("age", flags.OperatorLT, 65), true},
		{"lte boundary", filterOf("age", flags.OperatorLTE, 30), true},
		{"numeric string coerced", filterOf("age", flags.OperatorGT, "21"), true},
		{"json number coerced", filterOf("age", flags.OperatorGT, json.Number("21")), true},
		{"string falls back to lexicographic", filterOf("tier", flags.OperatorGT, "bronze"), true},
		{"string lexicographic miss", filterOf("tier", flags.OperatorLT, "bronze"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.matchProperty(tc.filter, props)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchPropertyDates(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{
		"signup":    "2024-04-01",
		"last_seen": time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
	}

	got, err := r.matchProperty(filterOf("signup", flags.OperatorIsDateBefore, "2024-04-15"), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("signup", flags.OperatorIsDateAfter, "2024-04-15"), props)
	require.NoError(t, err)
	assert.False(t, got)

	// Relative bound: -7d from the pinned now (2024-05-01) is 2024-04-24.
	got, err = r.matchProperty(filterOf("last_seen", flags.OperatorIsDateAfter, "-7d"), props)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = r.matchProperty(filterOf("signup", flags.OperatorIsDateAfter, "-7d"), props)
	require.NoError(t, err)
	assert.False(t, got)

	_, err = r.matchProperty(filterOf("signup", flags.OperatorIsDateBefore, "not a date"), props)
	require.ErrorIs(t, err, ErrInconclusive)
}

func TestMatchPropertyNegation(t *testing.T) {
	r := newTestRun(t)
	props := map[string]any{"plan": "pro"}

	f := filterOf("plan", flags.OperatorExact, "pro")
	f.Negation = true
	got, err := r.matchProperty(f, props)
	require.NoError(t, err)
	assert.False(t, got)

	f = filterOf("missing", flags.OperatorIsNotSet, nil)
	f.Negation = true
	got, err = r.matchProperty(f, map[string]any{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMatchPropertyUnknownOperator(t *testing.T) {
	r := newTestRun(t)
	_, err := r.matchProperty(filterOf("plan", "frobnicate", "x"), map[string]any{"plan": "pro"})
	require.ErrorIs(t, err, ErrInconclusive)
}

func TestParseDateFormats(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   any
		want time.Time
	}{
		{"2024-04-01", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-04-01T10:30:00Z", time.Date(2024, 4, 1, 10, 30, 0, 0, time.UTC)},
		{"-12h", now.Add(-12 * time.Hour)},
		{"-2w", now.AddDate(0, 0, -14)},
		{"-3m", now.AddDate(0, -3, 0)},
		{"-1y", now.AddDate(-1, 0, 0)},
	}
	for _, tc := range cases {
		got, err := parseDate(tc.in, now)
		require.NoError(t, err)
		assert.True(t, got.Equal(tc.want), "parseDate(%v) = %v, want %v", tc.in, got, tc.want)
	}

	_, err := parseDate(42, now)
	require.Error(t, err)
	_, err = parseDate("-5x", now)
	require.Error(t, err)
}

func TestToFloatRejectsNonFinite(t *testing.T) {
	_, ok := toFloat("NaN")
	assert.False(t, ok)
	_, ok = toFloat("+Inf")
	assert.False(t, ok)

	f, ok := toFloat(json.Number("2.5"))
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)
}
