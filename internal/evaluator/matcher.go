package evaluator

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loftline/pulse-go/internal/flags"
)

// matchProperty evaluates one person/group property filter against an
// attribute map. Cohort and flag filters are resolved by the run before
// reaching here.
func (r *run) matchProperty(filter flags.PropertyFilter, props map[string]any) (bool, error) {
	value, exists := props[filter.Key]

	if !exists {
		switch filter.Operator {
		case flags.OperatorIsNotSet, flags.OperatorIsNot:
			// Absence satisfies the negative.
			return !filter.Negation, nil
		default:
			return false, fmt.Errorf("%w: property %q missing", ErrInconclusive, filter.Key)
		}
	}

	matched, err := r.applyOperator(filter, value)
	if err != nil {
		return false, err
	}
	if filter.Negation {
		matched = !matched
	}
	return matched, nil
}

func (r *run) applyOperator(filter flags.PropertyFilter, value any) (bool, error) {
	switch filter.Operator {
	case flags.OperatorExact, flags.OperatorIn, "":
		return looseEquals(value, filter.Value), nil

	case flags.OperatorIsNot:
		return !looseEquals(value, filter.Value), nil

	case flags.OperatorIsSet:
		return true, nil

	case flags.OperatorIsNotSet:
		return false, nil

	case flags.OperatorIContains:
		return containsFold(stringify(value), stringify(filter.Value)), nil

	case flags.OperatorNotIContains:
		return !containsFold(stringify(value), stringify(filter.Value)), nil

	case flags.OperatorRegex, flags.OperatorNotRegex:
		matched, err := r.eval.patterns.Match(stringify(value), stringify(filter.Value))
		if err != nil {
			// Invalid patterns never match, and never not-match either.
			return false, fmt.Errorf("%w: %v", ErrInconclusive, err)
		}
		if filter.Operator == flags.OperatorNotRegex {
			matched = !matched
		}
		return matched, nil

	case flags.OperatorGT:
		return compareOrdered(value, filter.Value) > 0, nil
	case flags.OperatorGTE:
		return compareOrdered(value, filter.Value) >= 0, nil
	case flags.OperatorLT:
		return compareOrdered(value, filter.Value) < 0, nil
	case flags.OperatorLTE:
		return compareOrdered(value, filter.Value) <= 0, nil

	case flags.OperatorIsDateBefore, flags.OperatorIsDateAfter:
		subject, err := parseDate(value, r.now)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInconclusive, err)
		}
		bound, err := parseDate(filter.Value, r.now)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInconclusive, err)
		}
		if filter.Operator == flags.OperatorIsDateBefore {
			return subject.Before(bound), nil
		}
		return subject.After(bound), nil

	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInconclusive, filter.Operator)
	}
}

// looseEquals compares the way the server does: numerically when both
// sides are numbers, by string form otherwise. A list value on the filter
// side means membership.
func looseEquals(value, expected any) bool {
	if list, ok := asList(expected); ok {
		for _, item := range list {
			if scalarEquals(value, item) {
				return true
			}
		}
		return false
	}
	return scalarEquals(value, expected)
}

func scalarEquals(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// compareOrdered returns the sign of a−b: numeric when both sides parse as
// finite numbers, lexicographic on string forms otherwise. Mixed-type
// comparisons degrade to string compare, which is an interop risk pinned
// by tests.
func compareOrdered(a, b any) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch value := v.(type) {
	case float64:
		f = value
	case float32:
		f = float64(value)
	case int:
		f = float64(value)
	case int32:
		f = float64(value)
	case int64:
		f = float64(value)
	case uint64:
		f = float64(value)
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		if value {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

// containsFold is a locale-independent case-insensitive substring test:
// ASCII casefold, code-point comparison otherwise.
func containsFold(haystack, needle string) bool {
	return strings.Contains(asciiLower(haystack), asciiLower(needle))
}

func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

var relativeDateRe = regexp.MustCompile(`^-([0-9]+)([dhwmy])$`)

// parseDate accepts time.Time values, absolute ISO-8601 strings, and
// relative tokens like "-30d" resolved against the evaluation's now.
func parseDate(v any, now time.Time) (time.Time, error) {
	switch value := v.(type) {
	case time.Time:
		return value, nil
	case string:
		if m := relativeDateRe.FindStringSubmatch(value); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return time.Time{}, fmt.Errorf("relative date %q: %w", value, err)
			}
			switch m[2] {
			case "h":
				return now.Add(-time.Duration(n) * time.Hour), nil
			case "d":
				return now.AddDate(0, 0, -n), nil
			case "w":
				return now.AddDate(0, 0, -7*n), nil
			case "m":
				return now.AddDate(0, -n, 0), nil
			case "y":
				return now.AddDate(-n, 0, 0), nil
			}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", value)
	default:
		return time.Time{}, fmt.Errorf("unparseable date of type %T", v)
	}
}
