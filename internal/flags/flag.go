// Package flags holds the feature-flag definition model shared by the
// loader and the local evaluator. The JSON shapes match the backend's
// local-evaluation document.
package flags

import (
	"encoding/json"
	"fmt"
)

// FilterType identifies what a property filter is matched against.
type FilterType string

const (
	FilterPerson FilterType = "person"
	FilterGroup  FilterType = "group"
	FilterCohort FilterType = "cohort"
	FilterFlag   FilterType = "flag"
)

// Operator is the wire token for a property-filter comparison.
type Operator string

const (
	OperatorExact           Operator = "exact"
	OperatorIsNot           Operator = "is_not"
	OperatorIsSet           Operator = "is_set"
	OperatorIsNotSet        Operator = "is_not_set"
	OperatorGT              Operator = "gt"
	OperatorLT              Operator = "lt"
	OperatorGTE             Operator = "gte"
	OperatorLTE             Operator = "lte"
	OperatorIContains       Operator = "icontains"
	OperatorNotIContains    Operator = "not_icontains"
	OperatorRegex           Operator = "regex"
	OperatorNotRegex        Operator = "not_regex"
	OperatorIsDateBefore    Operator = "is_date_before"
	OperatorIsDateAfter     Operator = "is_date_after"
	OperatorIn              Operator = "in"
	OperatorFlagEvaluatesTo Operator = "flag_evaluates_to"
)

// FlagDefinition is one flag as served by the local-evaluation endpoint.
type FlagDefinition struct {
	ID                         int     `json:"id"`
	TeamID                     int     `json:"team_id"`
	Name                       string  `json:"name"`
	Key                        string  `json:"key"`
	Filters                    Filters `json:"filters"`
	Deleted                    bool    `json:"deleted"`
	Active                     bool    `json:"active"`
	EnsureExperienceContinuity bool    `json:"ensure_experience_continuity"`
	Version                    int     `json:"version"`
}

// Filters is the ordered rule set of a flag. Groups are evaluated in order;
// the first satisfied group selects the rollout and optional variant.
type Filters struct {
	Groups                    []ConditionGroup  `json:"groups"`
	Multivariate              *Multivariate     `json:"multivariate,omitempty"`
	Payloads                  map[string]string `json:"payloads,omitempty"`
	AggregationGroupTypeIndex *int              `json:"aggregation_group_type_index,omitempty"`
}

// ConditionGroup is a conjunction of property filters plus a rollout slice.
// An empty property set always matches, subject to the rollout.
type ConditionGroup struct {
	Properties        []PropertyFilter `json:"properties"`
	RolloutPercentage *float64         `json:"rollout_percentage,omitempty"`
	Variant           *string          `json:"variant,omitempty"`
}

// Rollout returns the group's rollout percentage, defaulting to 100.
func (g ConditionGroup) Rollout() float64 {
	if g.RolloutPercentage == nil {
		return 100
	}
	return *g.RolloutPercentage
}

// PropertyFilter is a single predicate against person, group, cohort or
// flag-dependency state.
type PropertyFilter struct {
	Key            string     `json:"key"`
	Operator       Operator   `json:"operator,omitempty"`
	Value          any        `json:"value,omitempty"`
	Type           FilterType `json:"type"`
	GroupTypeIndex *int       `json:"group_type_index,omitempty"`
	Negation       bool       `json:"negation,omitempty"`
}

// Multivariate lists a flag's variants with their rollout shares. Shares
// should sum to 100; selection tolerates sums that do not.
type Multivariate struct {
	Variants []Variant `json:"variants"`
}

// Variant is one named outcome of a multivariate flag.
type Variant struct {
	Key               string   `json:"key"`
	Name              string   `json:"name,omitempty"`
	RolloutPercentage *float64 `json:"rollout_percentage,omitempty"`
}

// Rollout returns the variant's share, defaulting to 0.
func (v Variant) Rollout() float64 {
	if v.RolloutPercentage == nil {
		return 0
	}
	return *v.RolloutPercentage
}

// Matchable reports whether the definition can ever match: deleted or
// inactive definitions never do.
func (f *FlagDefinition) Matchable() bool {
	return f.Active && !f.Deleted
}

// Validate checks structural sanity of a definition.
func (f *FlagDefinition) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("flag definition has empty key")
	}
	for i, g := range f.Filters.Groups {
		r := g.Rollout()
		if r < 0 || r > 100 {
			return fmt.Errorf("flag %s: group %d rollout %v out of range", f.Key, i, r)
		}
	}
	if f.Filters.Multivariate != nil {
		for _, v := range f.Filters.Multivariate.Variants {
			if v.Key == "" {
				return fmt.Errorf("flag %s: multivariate variant with empty key", f.Key)
			}
		}
	}
	return nil
}

// Cohort is a reusable filter tree referenced by id. A node is either a
// set expression (AND/OR over child nodes) or a leaf property filter.
type Cohort struct {
	Type   string
	Values []Cohort
	Leaf   *PropertyFilter
}

// IsExpression reports whether the node combines children rather than
// matching a property.
func (c *Cohort) IsExpression() bool {
	return c.Type == "AND" || c.Type == "OR"
}

func (c *Cohort) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type   string          `json:"type"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Type == "AND" || probe.Type == "OR" {
		c.Type = probe.Type
		c.Leaf = nil
		if len(probe.Values) == 0 {
			c.Values = nil
			return nil
		}
		return json.Unmarshal(probe.Values, &c.Values)
	}
	var leaf PropertyFilter
	if err := json.Unmarshal(data, &leaf); err != nil {
		return err
	}
	c.Type = probe.Type
	c.Values = nil
	c.Leaf = &leaf
	return nil
}

func (c Cohort) MarshalJSON() ([]byte, error) {
	if c.Leaf != nil {
		return json.Marshal(c.Leaf)
	}
	return json.Marshal(struct {
		Type   string   `json:"type"`
		Values []Cohort `json:"values"`
	}{Type: c.Type, Values: c.Values})
}
