// Package summary builds the autonomous-mode view: the latest snapshot next
// to the values approved for it.
package summary

import (
	"strconv"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// UnchangedSuffix marks a metric with no approval for the latest snapshot.
const UnchangedSuffix = " (Unchanged)"

// Row is one metric of the summary.
type Row struct {
	Metric  plant.MetricName `json:"metric"`
	Unit    string           `json:"unit"`
	Current float64          `json:"current"`
	// Approved is true when an approval exists for the latest snapshot.
	Approved    bool              `json:"approved"`
	Value       float64           `json:"value"`
	Display     string            `json:"display"`
	Source      plant.ValueSource `json:"source,omitempty"`
	Suggestions []string          `json:"suggestions"`
	Note        string            `json:"note"`
}

// Summary is the autonomous-mode view. Ready is false until a snapshot exists.
type Summary struct {
	Ready       bool            `json:"ready"`
	Snapshot    *plant.Snapshot `json:"snapshot,omitempty"`
	Rows        []Row           `json:"rows"`
	Implemented bool            `json:"implemented"`
}

// Build computes the rows for latest. Approvals recorded against another
// snapshot are shown as the raw value with the "(Unchanged)" marker.
func Build(latest plant.Snapshot, approvals map[plant.MetricName]plant.Approval) Summary {
	snap := latest
	s := Summary{
		Ready:    true,
		Snapshot: &snap,
		Rows:     make([]Row, 0, len(plant.Metrics)),
	}
	for _, m := range plant.Metrics {
		s.Rows = append(s.Rows, buildRow(latest, m, approvals[m]))
	}
	return s
}

func buildRow(latest plant.Snapshot, m plant.MetricName, a plant.Approval) Row {
	current := latest.Value(m)
	row := Row{
		Metric:      m,
		Unit:        m.Unit(),
		Current:     current,
		Suggestions: []string{},
	}
	if a.IsCurrentFor(latest) {
		row.Approved = true
		row.Value = a.ApprovedValue
		row.Display = formatValue(a.ApprovedValue)
		row.Source = a.Source
		if a.Suggestions != nil {
			row.Suggestions = a.Suggestions
		}
		row.Note = "Approved suggestions applied."
		return row
	}
	row.Value = current
	row.Display = formatValue(current) + UnchangedSuffix
	row.Note = "No approved suggestions."
	return row
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Row returns the row for m.
func (s Summary) Row(m plant.MetricName) (Row, bool) {
	for _, r := range s.Rows {
		if r.Metric == m {
			return r, true
		}
	}
	return Row{}, false
}
