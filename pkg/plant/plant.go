// Package plant defines the cement plant data model shared by the relay,
// the stores, the review workflow and the autonomous summary view.
//
// A Snapshot is one set of kiln readings as persisted by the metric store.
// Each of the three tracked metrics (temperature, pressure, emissions) has a
// fixed target, an optional list of generated suggestions, and at most one
// Approval slot that is overwritten on every approval.
package plant

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricName identifies one of the three tracked kiln metrics.
type MetricName string

const (
	Temperature MetricName = "temperature"
	Pressure    MetricName = "pressure"
	Emissions   MetricName = "emissions"
)

// Metrics lists every tracked metric in display order.
var Metrics = []MetricName{Temperature, Pressure, Emissions}

// ErrInvalidMetric is returned when a metric name is not one of Metrics.
var ErrInvalidMetric = errors.New("invalid metric name")

// ParseMetricName validates s and returns it as a MetricName.
func ParseMetricName(s string) (MetricName, error) {
	switch m := MetricName(strings.ToLower(strings.TrimSpace(s))); m {
	case Temperature, Pressure, Emissions:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMetric, s)
	}
}

// Unit returns the display unit used on the metrics entry view.
func (m MetricName) Unit() string {
	switch m {
	case Temperature:
		return "°C"
	case Pressure:
		return "bar"
	case Emissions:
		return "ppm"
	}
	return ""
}

// Reading is the operator-entered payload of the metrics entry form.
// Numeric fields are pointers so that a missing value can be told apart
// from an explicit zero.
type Reading struct {
	Temperature *float64 `json:"temperature"`
	Pressure    *float64 `json:"pressure"`
	Emissions   *float64 `json:"emissions"`
	FuelType    string   `json:"fuelType"`
	RawMaterial string   `json:"rawMaterial"`
	KilnType    string   `json:"kilnType"`
}

// ValidationError lists the fields that failed validation. Fields holds
// field names; Reasons holds the matching reason for each of them.
type ValidationError struct {
	Fields  []string
	Reasons []string
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, field := range e.Fields {
		reason := "is invalid"
		if i < len(e.Reasons) {
			reason = e.Reasons[i]
		}
		parts[i] = field + " " + reason
	}
	return "invalid reading: " + strings.Join(parts, ", ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, field)
	e.Reasons = append(e.Reasons, reason)
}

// Validate checks that the three numeric fields are present and finite.
func (r Reading) Validate() error {
	verr := &ValidationError{}
	check := func(name MetricName, v *float64) {
		switch {
		case v == nil:
			verr.add(string(name), "is required")
		case math.IsNaN(*v) || math.IsInf(*v, 0):
			verr.add(string(name), "must be a number")
		}
	}
	check(Temperature, r.Temperature)
	check(Pressure, r.Pressure)
	check(Emissions, r.Emissions)

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Snapshot is an immutable set of readings as stored by the metric store.
// ID and CreatedAt are assigned by the store.
type Snapshot struct {
	ID          string    `json:"id"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Emissions   float64   `json:"emissions"`
	FuelType    string    `json:"fuelType"`
	RawMaterial string    `json:"rawMaterial"`
	KilnType    string    `json:"kilnType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewSnapshot copies a validated reading into a snapshot. The caller
// (a store) is responsible for assigning ID and CreatedAt.
func NewSnapshot(r Reading) (Snapshot, error) {
	if err := r.Validate(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Temperature: *r.Temperature,
		Pressure:    *r.Pressure,
		Emissions:   *r.Emissions,
		FuelType:    r.FuelType,
		RawMaterial: r.RawMaterial,
		KilnType:    r.KilnType,
	}, nil
}

// Value returns the reading for metric m.
func (s Snapshot) Value(m MetricName) float64 {
	switch m {
	case Temperature:
		return s.Temperature
	case Pressure:
		return s.Pressure
	case Emissions:
		return s.Emissions
	}
	return 0
}

// Targets holds the fixed operating targets the relay steers towards.
type Targets struct {
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Emissions   float64 `json:"emissions"`
}

// DefaultTargets are the plant targets: °C, Pa and kg/day respectively.
var DefaultTargets = Targets{
	Temperature: 1475,
	Pressure:    1250000000,
	Emissions:   1000,
}

// Value returns the target for metric m.
func (t Targets) Value(m MetricName) float64 {
	switch m {
	case Temperature:
		return t.Temperature
	case Pressure:
		return t.Pressure
	case Emissions:
		return t.Emissions
	}
	return 0
}
