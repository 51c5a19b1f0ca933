// Package evaluator decides feature flags locally, mirroring the server's
// decision semantics: hash-based rollout and variant selection, ordered
// condition groups, cohort and flag-dependency resolution. Outcomes that
// depend on server-side state surface as ErrRequiresRemote so the caller
// can fall back to the remote decide endpoint.
package evaluator

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/loftline/pulse-go/internal/flags"
)

// Sentinel results of local evaluation. They are control-flow values, not
// user-visible errors: the facade translates them into remote fallbacks or
// default decisions.
var (
	// ErrInconclusive means a single property could not be evaluated; the
	// enclosing condition group fails without failing the flag.
	ErrInconclusive = errors.New("inconclusive match")

	// ErrRequiresRemote means the decision depends on server-side state
	// (experience continuity, static cohorts, missing group, dependency
	// cycles) and must be fetched remotely.
	ErrRequiresRemote = errors.New("requires remote evaluation")

	// ErrFlagNotFound means the current snapshot has no definition for the
	// requested key.
	ErrFlagNotFound = errors.New("flag not found in local definitions")
)

// Subject is everything a single evaluation is keyed on.
type Subject struct {
	DistinctID       string
	PersonProperties map[string]any
	Groups           map[string]string
	GroupProperties  map[string]map[string]any
}

// Evaluator evaluates flags against the loader's current snapshot. It is
// safe for concurrent use; each evaluation captures the snapshot pointer
// once, so a swap mid-evaluation is invisible.
type Evaluator struct {
	snapshot func() *flags.Snapshot
	patterns *patternCache
	now      func() time.Time
}

// New builds an Evaluator reading snapshots from the given source.
func New(snapshot func() *flags.Snapshot) (*Evaluator, error) {
	patterns, err := newPatternCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		snapshot: snapshot,
		patterns: patterns,
		now:      time.Now,
	}, nil
}

// WithNow replaces the evaluator's time source. Test hook for the relative
// date operators.
func (e *Evaluator) WithNow(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Close releases the pattern cache.
func (e *Evaluator) Close() {
	e.patterns.Close()
}

// Evaluate decides one flag for one subject. Returns ErrFlagNotFound when
// the snapshot is missing or has no such key, ErrRequiresRemote when the
// decision needs the server.
func (e *Evaluator) Evaluate(key string, subject Subject) (flags.Decision, error) {
	snap := e.snapshot()
	if snap == nil {
		return flags.Decision{}, fmt.Errorf("%w: no definitions loaded", ErrFlagNotFound)
	}
	r := newRun(e, snap, subject)
	return r.evaluate(key)
}

// EvaluateAll decides every flag in the snapshot. Flags that need the
// server are omitted from the result and returned as remoteKeys so the
// caller can fall back in one decide call.
func (e *Evaluator) EvaluateAll(subject Subject) (decisions map[string]flags.Decision, remoteKeys []string) {
	snap := e.snapshot()
	if snap == nil {
		return nil, nil
	}
	decisions = make(map[string]flags.Decision, len(snap.Flags))
	r := newRun(e, snap, subject)
	for key := range snap.Flags {
		decision, err := r.evaluate(key)
		if err != nil {
			if errors.Is(err, ErrRequiresRemote) {
				remoteKeys = append(remoteKeys, key)
			}
			continue
		}
		decisions[key] = decision
	}
	return decisions, remoteKeys
}

// run is the state of one top-level evaluation: a consistent snapshot,
// the subject, and the per-call memo of dependency decisions.
type run struct {
	eval    *Evaluator
	snap    *flags.Snapshot
	subject Subject
	now     time.Time

	memo       map[string]memoEntry
	inProgress map[string]bool
}

type memoEntry struct {
	decision flags.Decision
	err      error
}

func newRun(e *Evaluator, snap *flags.Snapshot, subject Subject) *run {
	return &run{
		eval:       e,
		snap:       snap,
		subject:    subject,
		now:        e.now().UTC(),
		memo:       make(map[string]memoEntry),
		inProgress: make(map[string]bool),
	}
}

// evaluate decides key, memoizing so a dependency shared by several
// filters in one top-level call is computed once. A key already in
// progress is a dependency cycle and requires the server.
func (r *run) evaluate(key string) (flags.Decision, error) {
	if entry, ok := r.memo[key]; ok {
		return entry.decision, entry.err
	}
	if r.inProgress[key] {
		return flags.Decision{}, fmt.Errorf("%w: dependency cycle through %q", ErrRequiresRemote, key)
	}
	r.inProgress[key] = true
	decision, err := r.evaluateFlag(key)
	delete(r.inProgress, key)
	r.memo[key] = memoEntry{decision: decision, err: err}
	return decision, err
}

func (r *run) evaluateFlag(key string) (flags.Decision, error) {
	def, ok := r.snap.Flags[key]
	if !ok {
		return flags.Decision{}, fmt.Errorf("%w: %q", ErrFlagNotFound, key)
	}
	if !def.Matchable() {
		return flags.Decision{
			Key:     key,
			Enabled: false,
			Reason:  flags.Reason{Code: flags.ReasonFlagDisabled, Description: "flag is deleted or inactive"},
			ID:      def.ID,
			Version: def.Version,
		}, nil
	}
	if def.EnsureExperienceContinuity {
		return flags.Decision{}, fmt.Errorf("%w: flag %q requires experience continuity", ErrRequiresRemote, key)
	}

	hashID, props, err := r.hashingIdentity(def)
	if err != nil {
		return flags.Decision{}, err
	}

	sawRolledOut := false
	for i, group := range def.Filters.Groups {
		matched, err := r.matchGroup(group, props)
		if err != nil {
			if errors.Is(err, ErrInconclusive) {
				// This group fails; later groups may still match.
				continue
			}
			return flags.Decision{}, err
		}
		if !matched {
			continue
		}
		if bucket(def.Key+".", hashID) > group.Rollout()/100 {
			sawRolledOut = true
			continue
		}
		return r.selectedDecision(def, group, i, hashID), nil
	}

	reason := flags.Reason{Code: flags.ReasonNoConditionMatch, Description: "no condition group matched"}
	if sawRolledOut {
		reason = flags.Reason{Code: flags.ReasonOutOfRollout, Description: "outside rollout bound"}
	}
	return flags.Decision{Key: key, Enabled: false, Reason: reason, ID: def.ID, Version: def.Version}, nil
}

// hashingIdentity picks the identifier the rollout hash is keyed on: the
// aggregated group's key when the flag aggregates over a group type, the
// subject's distinct-id otherwise.
func (r *run) hashingIdentity(def *flags.FlagDefinition) (string, map[string]any, error) {
	idx := def.Filters.AggregationGroupTypeIndex
	if idx == nil {
		return r.subject.DistinctID, r.subject.PersonProperties, nil
	}
	groupType, ok := r.snap.GroupTypeMapping[strconv.Itoa(*idx)]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown group type index %d", ErrRequiresRemote, *idx)
	}
	groupKey, ok := r.subject.Groups[groupType]
	if !ok {
		return "", nil, fmt.Errorf("%w: subject has no %q group", ErrRequiresRemote, groupType)
	}
	return groupKey, r.subject.GroupProperties[groupType], nil
}

// matchGroup evaluates the conjunction of a condition group's filters.
func (r *run) matchGroup(group flags.ConditionGroup, props map[string]any) (bool, error) {
	for _, filter := range group.Properties {
		matched, err := r.matchFilter(filter, props)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (r *run) matchFilter(filter flags.PropertyFilter, props map[string]any) (bool, error) {
	switch filter.Type {
	case flags.FilterCohort:
		return r.matchCohort(filter)
	case flags.FilterFlag:
		return r.matchDependency(filter)
	case flags.FilterGroup:
		if filter.GroupTypeIndex != nil {
			if groupType, ok := r.snap.GroupTypeMapping[strconv.Itoa(*filter.GroupTypeIndex)]; ok {
				if groupProps, ok := r.subject.GroupProperties[groupType]; ok {
					return r.matchProperty(filter, groupProps)
				}
			}
			return false, fmt.Errorf("%w: group properties unavailable for filter %q", ErrInconclusive, filter.Key)
		}
		return r.matchProperty(filter, props)
	default:
		return r.matchProperty(filter, props)
	}
}

// matchCohort resolves a cohort reference against the snapshot's cohort
// map. Cohorts absent from the snapshot (static cohorts are never sent)
// need the server.
func (r *run) matchCohort(filter flags.PropertyFilter) (bool, error) {
	cohortID := stringify(filter.Value)
	cohort, ok := r.snap.Cohorts[cohortID]
	if !ok {
		return false, fmt.Errorf("%w: cohort %s not in local definitions", ErrRequiresRemote, cohortID)
	}
	matched, err := r.matchCohortNode(cohort)
	if err != nil {
		return false, err
	}
	if filter.Negation {
		matched = !matched
	}
	return matched, nil
}

func (r *run) matchCohortNode(node flags.Cohort) (bool, error) {
	if node.Leaf != nil {
		return r.matchFilter(*node.Leaf, r.subject.PersonProperties)
	}
	switch node.Type {
	case "OR":
		var pending error
		for _, child := range node.Values {
			matched, err := r.matchCohortNode(child)
			if err != nil {
				if errors.Is(err, ErrRequiresRemote) {
					return false, err
				}
				pending = err
				continue
			}
			if matched {
				return true, nil
			}
		}
		if pending != nil {
			return false, pending
		}
		return false, nil
	default: // AND, including the implicit top-level conjunction
		for _, child := range node.Values {
			matched, err := r.matchCohortNode(child)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil
	}
}

// matchDependency handles the flag_evaluates_to operator: the dependency
// flag is evaluated through the memoizing run, then compared against the
// expected value (bool, or a variant key).
func (r *run) matchDependency(filter flags.PropertyFilter) (bool, error) {
	decision, err := r.evaluate(filter.Key)
	if err != nil {
		if errors.Is(err, ErrFlagNotFound) {
			return false, fmt.Errorf("%w: dependency %q undefined", ErrRequiresRemote, filter.Key)
		}
		return false, err
	}

	var matched bool
	switch expected := filter.Value.(type) {
	case bool:
		matched = decision.Enabled == expected
	case string:
		switch expected {
		case "true":
			matched = decision.Enabled
		case "false":
			matched = !decision.Enabled
		default:
			matched = decision.Variant == expected
		}
	default:
		return false, fmt.Errorf("%w: dependency value of type %T", ErrInconclusive, filter.Value)
	}
	if filter.Negation {
		matched = !matched
	}
	return matched, nil
}

// selectedDecision builds the enabled decision for a matched group:
// variant override when valid, hash-selected variant for multivariate
// flags, plain boolean otherwise. Payloads are keyed by variant key, or
// "true" for boolean flags.
func (r *run) selectedDecision(def *flags.FlagDefinition, group flags.ConditionGroup, conditionIndex int, hashID string) flags.Decision {
	variant := ""
	if group.Variant != nil && r.validVariant(def, *group.Variant) {
		variant = *group.Variant
	} else if def.Filters.Multivariate != nil && len(def.Filters.Multivariate.Variants) > 0 {
		variant = selectVariant(def.Key, hashID, def.Filters.Multivariate.Variants)
	}

	payloadKey := "true"
	if variant != "" {
		payloadKey = variant
	}
	var payload []byte
	if raw, ok := def.Filters.Payloads[payloadKey]; ok {
		payload = []byte(raw)
	}

	idx := conditionIndex
	return flags.Decision{
		Key:     def.Key,
		Enabled: true,
		Variant: variant,
		Payload: payload,
		Reason: flags.Reason{
			Code:           flags.ReasonConditionMatch,
			Description:    fmt.Sprintf("matched condition group %d", conditionIndex),
			ConditionIndex: &idx,
		},
		ID:      def.ID,
		Version: def.Version,
	}
}

func (r *run) validVariant(def *flags.FlagDefinition, key string) bool {
	if def.Filters.Multivariate == nil {
		return false
	}
	for _, v := range def.Filters.Multivariate.Variants {
		if v.Key == key {
			return true
		}
	}
	return false
}

// selectVariant walks variants in order, accumulating rollout shares; the
// first variant whose cumulative share covers the hashed point wins. When
// shares sum below 100 and never cover the point, the last variant is
// returned, so the choice is total.
func selectVariant(flagKey, hashID string, variants []flags.Variant) string {
	point := bucket(flagKey+".variant", hashID) * 100
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Rollout()
		if point < cumulative {
			return v.Key
		}
	}
	return variants[len(variants)-1].Key
}
