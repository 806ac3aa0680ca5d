package workflow

import (
	"regexp"
	"strconv"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

var numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// ExtractValue returns the first unsigned decimal number in text.
func ExtractValue(text string) (float64, bool) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ResolveValue picks the value to approve for metric: the first number in
// the first suggestion, or the snapshot's own value when there is none.
func ResolveValue(s plant.Snapshot, set plant.SuggestionSet, metric plant.MetricName) (float64, plant.ValueSource) {
	if first, ok := set.First(metric); ok {
		if v, ok := ExtractValue(first); ok {
			return v, plant.SourceSuggestion
		}
	}
	return s.Value(metric), plant.SourceCurrent
}
