package flags

import "encoding/json"

// ReasonCode classifies why a decision came out the way it did.
type ReasonCode string

const (
	ReasonConditionMatch   ReasonCode = "condition_match"
	ReasonNoConditionMatch ReasonCode = "no_condition_match"
	ReasonOutOfRollout     ReasonCode = "out_of_rollout_bound"
	ReasonFlagDisabled     ReasonCode = "flag_disabled"
)

// Reason carries the evaluation explanation alongside a decision.
type Reason struct {
	Code           ReasonCode `json:"code"`
	Description    string     `json:"description,omitempty"`
	ConditionIndex *int       `json:"condition_index,omitempty"`
}

// Decision is the outcome of evaluating one flag for one subject.
// Invariants: Enabled implies boolean truth or a set Variant; a non-nil
// Payload implies Enabled.
type Decision struct {
	Key     string          `json:"key"`
	Enabled bool            `json:"enabled"`
	Variant string          `json:"variant,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  Reason          `json:"reason"`
	ID      int             `json:"id,omitempty"`
	Version int             `json:"version,omitempty"`
}

// Value reports the decision the way the decide endpoint does: the variant
// key when one is set, else the boolean.
func (d Decision) Value() any {
	if d.Variant != "" {
		return d.Variant
	}
	return d.Enabled
}
