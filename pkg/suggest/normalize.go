package suggest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// StripFences removes markdown code fence markers and surrounding whitespace.
func StripFences(raw string) string {
	s := strings.ReplaceAll(raw, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// Normalize parses generator output into a SuggestionSet.
//
// The text must be a JSON object keyed by metric name, each value a list of
// strings. Missing keys yield empty lists and unknown keys are ignored. On
// any parse error the returned set is empty for all metrics, alongside the
// error, so callers can log and carry on.
func Normalize(raw string) (plant.SuggestionSet, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return plant.EmptySuggestions(), fmt.Errorf("empty generator output")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return plant.EmptySuggestions(), fmt.Errorf("decode suggestions object: %w", err)
	}
	if obj == nil {
		return plant.EmptySuggestions(), fmt.Errorf("suggestions must be a JSON object")
	}

	set := plant.EmptySuggestions()
	for _, m := range plant.Metrics {
		msg, ok := obj[string(m)]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(msg, &list); err != nil {
			return plant.EmptySuggestions(), fmt.Errorf("decode %s suggestions: %w", m, err)
		}
		if list == nil {
			list = []string{}
		}
		switch m {
		case plant.Temperature:
			set.Temperature = list
		case plant.Pressure:
			set.Pressure = list
		case plant.Emissions:
			set.Emissions = list
		}
	}
	return set, nil
}
