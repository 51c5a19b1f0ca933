package pulse

import (
	"time"
)

// Properties is a free-form attribute map attached to events and used as
// the subject of flag targeting.
type Properties map[string]any

// NewProperties returns an empty property map ready for fluent Set calls.
func NewProperties() Properties {
	return Properties{}
}

// Set adds a property (fluent interface).
func (p Properties) Set(key string, value any) Properties {
	p[key] = value
	return p
}

// Merge copies other into p, overwriting existing keys, and returns p.
func (p Properties) Merge(other Properties) Properties {
	for k, v := range other {
		p[k] = v
	}
	return p
}

// clone returns a shallow copy so enqueued events don't alias caller maps.
func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Groups maps a group type name to the group key the current subject
// belongs to, e.g. {"company": "acme"}.
type Groups map[string]string

// Capture is a product-analytics event for one subject.
type Capture struct {
	DistinctID string
	Event      string
	Properties Properties
	Groups     Groups

	// Timestamp defaults to the enqueue time in UTC.
	Timestamp time.Time

	// SendFeatureFlags attaches the subject's locally-known flag state as
	// $feature/<key> properties at flush time.
	SendFeatureFlags bool
}

// Identify sets or updates the person properties of a distinct-id.
type Identify struct {
	DistinctID string
	Properties Properties
	Timestamp  time.Time
}

// Alias links two distinct-ids as the same person.
type Alias struct {
	DistinctID string
	Alias      string
	Timestamp  time.Time
}

// GroupIdentify sets or updates the properties of a group.
type GroupIdentify struct {
	Type       string
	Key        string
	Properties Properties
	Timestamp  time.Time
}

// FeatureFlagPayload identifies one flag query.
type FeatureFlagPayload struct {
	Key              string
	DistinctID       string
	PersonProperties Properties
	Groups           Groups
	GroupProperties  map[string]Properties

	// OnlyEvaluateLocally suppresses the remote fallback.
	OnlyEvaluateLocally bool
}

// AllFlagsPayload identifies a query for every flag of a subject.
type AllFlagsPayload struct {
	DistinctID       string
	PersonProperties Properties
	Groups           Groups
	GroupProperties  map[string]Properties

	OnlyEvaluateLocally bool
}
