package suggest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// BuildPrompt renders the fixed prompt for a snapshot and its targets.
// The metrics block is itself valid JSON so that offline generators and
// tests can read the values back.
func BuildPrompt(s plant.Snapshot, t plant.Targets) string {
	var b strings.Builder

	b.WriteString("Cement Plant Metrics:\n{\n")
	fields := []struct {
		key string
		val float64
	}{
		{"current_temperature", s.Temperature},
		{"current_pressure", s.Pressure},
		{"current_emissions", s.Emissions},
		{"target_temperature", t.Temperature},
		{"target_pressure", t.Pressure},
		{"target_emissions", t.Emissions},
	}
	for i, f := range fields {
		sep := ","
		if i == len(fields)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %q: %s%s\n", f.key, formatNumber(f.val), sep)
	}
	b.WriteString("}\n\n")

	b.WriteString("For each metric (temperature, pressure, emissions), provide actionable steps to reach the target and possible problems.\n")
	b.WriteString("Return ONLY JSON like this:\n\n")
	b.WriteString(`{
  "temperature": [
    "action: ...",
    "problem: ..."
  ],
  "pressure": [
    "action: ...",
    "problem: ..."
  ],
  "emissions": [
    "action: ...",
    "problem: ..."
  ]
}
`)
	return b.String()
}

// formatNumber prints a float without exponent notation, e.g. 1300000000.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
