package flags

import (
	"encoding/json"
	"sort"
)

// Snapshot is an immutable bundle of flag definitions, the group-type
// index to name mapping, and the cohort map, tagged with the ETag of the
// document it was built from. The loader publishes a new Snapshot with a
// single atomic pointer swap; readers capture the pointer once per
// evaluation and never observe a partial update.
type Snapshot struct {
	Flags            map[string]*FlagDefinition
	GroupTypeMapping map[string]string
	Cohorts          map[string]Cohort
	ETag             string
}

// localEvaluationDocument is the wire shape of the local-evaluation
// endpoint response.
type localEvaluationDocument struct {
	Flags            []*FlagDefinition `json:"flags"`
	GroupTypeMapping map[string]string `json:"group_type_mapping"`
	Cohorts          map[string]Cohort `json:"cohorts"`
}

// ParseSnapshot decodes a local-evaluation document into a Snapshot keyed
// by flag key. Definitions that fail validation are dropped rather than
// poisoning the whole snapshot.
func ParseSnapshot(data []byte, etag string) (*Snapshot, []error) {
	var doc localEvaluationDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, []error{err}
	}

	snap := &Snapshot{
		Flags:            make(map[string]*FlagDefinition, len(doc.Flags)),
		GroupTypeMapping: doc.GroupTypeMapping,
		Cohorts:          doc.Cohorts,
		ETag:             etag,
	}
	if snap.GroupTypeMapping == nil {
		snap.GroupTypeMapping = map[string]string{}
	}
	if snap.Cohorts == nil {
		snap.Cohorts = map[string]Cohort{}
	}

	var bad []error
	for _, def := range doc.Flags {
		if err := def.Validate(); err != nil {
			bad = append(bad, err)
			continue
		}
		snap.Flags[def.Key] = def
	}
	return snap, bad
}

// MarshalJSON round-trips a Snapshot back into the document shape so
// snapshots can be logged or persisted losslessly (ETag travels in the
// header, not the body).
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	doc := localEvaluationDocument{
		Flags:            make([]*FlagDefinition, 0, len(s.Flags)),
		GroupTypeMapping: s.GroupTypeMapping,
		Cohorts:          s.Cohorts,
	}
	// Deterministic order keeps serialized snapshots comparable.
	keys := make([]string, 0, len(s.Flags))
	for k := range s.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.Flags = append(doc.Flags, s.Flags[k])
	}
	return json.Marshal(doc)
}
