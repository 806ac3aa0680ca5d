package plant

import (
	"encoding/json"
	"time"
)

// SuggestionSet maps each metric to an ordered list of free-text suggestions.
// It always carries exactly the three metric keys.
type SuggestionSet struct {
	Temperature []string `json:"temperature"`
	Pressure    []string `json:"pressure"`
	Emissions   []string `json:"emissions"`
}

// EmptySuggestions returns a set with an empty list for every metric.
func EmptySuggestions() SuggestionSet {
	return SuggestionSet{
		Temperature: []string{},
		Pressure:    []string{},
		Emissions:   []string{},
	}
}

// Get returns the suggestions for metric m, never nil.
func (s SuggestionSet) Get(m MetricName) []string {
	var out []string
	switch m {
	case Temperature:
		out = s.Temperature
	case Pressure:
		out = s.Pressure
	case Emissions:
		out = s.Emissions
	}
	if out == nil {
		return []string{}
	}
	return out
}

// First returns the first suggestion for m and whether one exists.
func (s SuggestionSet) First(m MetricName) (string, bool) {
	list := s.Get(m)
	if len(list) == 0 {
		return "", false
	}
	return list[0], true
}

// MarshalJSON encodes nil lists as [] so clients always see three arrays.
func (s SuggestionSet) MarshalJSON() ([]byte, error) {
	type wire SuggestionSet
	return json.Marshal(wire{
		Temperature: s.Get(Temperature),
		Pressure:    s.Get(Pressure),
		Emissions:   s.Get(Emissions),
	})
}

// ValueSource records where an approved value came from.
type ValueSource string

const (
	// SourceSuggestion means the value was extracted from the first suggestion.
	SourceSuggestion ValueSource = "suggestion"
	// SourceCurrent means extraction failed and the snapshot's own value was used.
	SourceCurrent ValueSource = "current"
)

// Approval is the single approval slot for one metric.
type Approval struct {
	MetricID      string      `json:"metricId"`
	Metric        MetricName  `json:"metric"`
	ApprovedAt    time.Time   `json:"approvedAt"`
	ApprovedValue float64     `json:"approvedValue"`
	Suggestions   []string    `json:"suggestions"`
	Source        ValueSource `json:"source,omitempty"`
}

// IsCurrentFor reports whether the approval applies to snapshot s.
// Approvals recorded against an older snapshot are stale but kept.
func (a Approval) IsCurrentFor(s Snapshot) bool {
	return a.MetricID != "" && a.MetricID == s.ID && !a.ApprovedAt.IsZero()
}
