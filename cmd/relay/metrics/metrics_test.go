package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSnapshot()
	m.RecordApproval(plant.Temperature, plant.SourceSuggestion)
	m.RecordRejection(plant.Pressure)
	m.RecordReviewCompleted()
	m.SetStreamClients(2)

	if got := testutil.ToFloat64(m.SnapshotsTotal); got != 1 {
		t.Errorf("snapshots = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApprovalsTotal.WithLabelValues("temperature", "suggestion")); got != 1 {
		t.Errorf("approvals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("pressure")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamClients); got != 2 {
		t.Errorf("stream clients = %v, want 2", got)
	}

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("no metrics gathered")
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// registering twice on fresh registries must not panic
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}

func TestInstrumentedSuggester(t *testing.T) {
	tests := []struct {
		name    string
		result  suggest.Result
		err     error
		outcome string
	}{
		{name: "ok", result: suggest.Result{Suggestions: plant.EmptySuggestions()}, outcome: OutcomeOK},
		{name: "degraded", result: suggest.Result{Degraded: true}, outcome: OutcomeDegraded},
		{name: "error", err: errors.New("generator down"), outcome: OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(prometheus.NewRegistry())
			s := InstrumentedSuggester{
				Next: func(context.Context, plant.Snapshot) (suggest.Result, error) {
					return tt.result, tt.err
				},
				Metrics: m,
			}

			_, err := s.Suggest(context.Background(), plant.Snapshot{ID: "a"})
			if !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
			if got := testutil.ToFloat64(m.SuggestionRequests.WithLabelValues(tt.outcome)); got != 1 {
				t.Errorf("%s count = %v, want 1", tt.outcome, got)
			}
			if got := testutil.CollectAndCount(m.SuggestionDuration); got != 1 {
				t.Errorf("duration series = %d, want 1", got)
			}
		})
	}
}
