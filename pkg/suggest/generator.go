// Package suggest relays kiln readings to a text generation service and
// normalizes the free-text answer into a plant.SuggestionSet.
//
// The generator is treated as a black box: it may fail, and it may return
// text that is not the JSON it was asked for. A failure is surfaced to the
// caller; malformed output degrades to empty suggestions.
package suggest

import "context"

// Generator produces free text for a prompt.
//
// Implementations must respect context cancellation and must not retry
// on their own.
type Generator interface {
	// Generate returns the raw text produced for prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Name returns a short identifier, e.g. "gemini" or "offline".
	Name() string
}
