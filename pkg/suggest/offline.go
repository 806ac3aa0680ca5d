package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

var metricsBlockPattern = regexp.MustCompile(`(?s)Cement Plant Metrics:\s*(\{.*?\})`)

// OfflineGenerator answers prompts built by BuildPrompt without calling an
// external service. It reads the metrics block back out of the prompt and
// emits one action and one problem line per metric.
type OfflineGenerator struct{}

// NewOfflineGenerator returns a deterministic generator.
func NewOfflineGenerator() *OfflineGenerator {
	return &OfflineGenerator{}
}

// Name returns "offline".
func (g *OfflineGenerator) Name() string { return "offline" }

// Generate returns a JSON document in the shape the prompt asks for.
func (g *OfflineGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	match := metricsBlockPattern.FindStringSubmatch(prompt)
	if len(match) < 2 {
		return "", fmt.Errorf("offline generator: prompt has no metrics block")
	}
	var values map[string]float64
	if err := json.Unmarshal([]byte(match[1]), &values); err != nil {
		return "", fmt.Errorf("offline generator: decode metrics block: %w", err)
	}

	out := make(map[string][]string, len(plant.Metrics))
	for _, m := range plant.Metrics {
		current := values["current_"+string(m)]
		target := values["target_"+string(m)]
		out[string(m)] = offlineAdvice(m, current, target)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func offlineAdvice(m plant.MetricName, current, target float64) []string {
	delta := current - target
	tolerance := math.Abs(target) * 0.01

	switch {
	case math.Abs(delta) <= tolerance:
		return []string{
			fmt.Sprintf("action: hold %s at %s", m, formatNumber(target)),
			fmt.Sprintf("problem: none, %s is within 1%% of target", m),
		}
	case delta > 0:
		return []string{
			fmt.Sprintf("action: reduce %s to %s (currently %s)", m, formatNumber(target), formatNumber(current)),
			fmt.Sprintf("problem: %s is %s above target", m, formatNumber(delta)),
		}
	default:
		return []string{
			fmt.Sprintf("action: raise %s to %s (currently %s)", m, formatNumber(target), formatNumber(current)),
			fmt.Sprintf("problem: %s is %s below target", m, formatNumber(-delta)),
		}
	}
}
