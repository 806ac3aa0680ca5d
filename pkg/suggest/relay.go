package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// Result is the normalized relay response.
type Result struct {
	Target      plant.Targets       `json:"target"`
	Suggestions plant.SuggestionSet `json:"suggestions"`

	// Degraded is set when the generator answered but its output could
	// not be parsed; Suggestions is then empty for every metric.
	Degraded bool          `json:"-"`
	Duration time.Duration `json:"-"`
}

// Relay forwards snapshots to a Generator and normalizes the answer.
// It persists nothing and is safe for concurrent use.
type Relay struct {
	generator Generator
	targets   plant.Targets
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRelay creates a relay. A zero timeout leaves the generator call bounded
// only by the caller's context.
func NewRelay(generator Generator, targets plant.Targets, timeout time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		generator: generator,
		targets:   targets,
		timeout:   timeout,
		logger:    logger,
	}
}

// Targets returns the fixed targets the relay prompts with.
func (r *Relay) Targets() plant.Targets {
	return r.targets
}

// GeneratorName returns the name of the underlying generator.
func (r *Relay) GeneratorName() string {
	return r.generator.Name()
}

// Suggest asks the generator for suggestions for s. A generator error is
// returned as is; unparseable output yields a degraded, empty result.
func (r *Relay) Suggest(ctx context.Context, s plant.Snapshot) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := r.generator.Generate(ctx, BuildPrompt(s, r.targets))
	duration := time.Since(start)
	if err != nil {
		r.logger.Error("suggestion generation failed",
			"generator", r.generator.Name(),
			"snapshot", s.ID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return Result{}, fmt.Errorf("generate suggestions: %w", err)
	}

	result := Result{Target: r.targets, Duration: duration}

	set, err := Normalize(raw)
	if err != nil {
		r.logger.Error("failed to parse generated suggestions",
			"generator", r.generator.Name(),
			"snapshot", s.ID,
			"error", err,
			"raw", raw,
		)
		result.Suggestions = plant.EmptySuggestions()
		result.Degraded = true
		return result, nil
	}

	result.Suggestions = set
	r.logger.Debug("generated suggestions",
		"generator", r.generator.Name(),
		"snapshot", s.ID,
		"temperature", len(set.Temperature),
		"pressure", len(set.Pressure),
		"emissions", len(set.Emissions),
		"duration_ms", duration.Milliseconds(),
	)
	return result, nil
}
