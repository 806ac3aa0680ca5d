package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/storage"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

func TestMain(m *testing.M) {
	// the genai dependency starts the opencensus view worker at init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	err    error
	writes []plant.Approval
}

func (w *fakeWriter) PutApproval(_ context.Context, a plant.Approval) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, a)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

var testSnapshot = plant.Snapshot{
	ID:          "snap-1",
	Temperature: 1500,
	Pressure:    1.3e9,
	Emissions:   1100,
	FuelType:    "coal",
	RawMaterial: "limestone",
	KilnType:    "rotary",
	CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

func TestExtractValue(t *testing.T) {
	tests := []struct {
		text   string
		want   float64
		wantOK bool
	}{
		{text: "Reduce to 1475", want: 1475, wantOK: true},
		{text: "reduce temperature to 1475.5 over 2 hours", want: 1475.5, wantOK: true},
		{text: "lower by 3.2% now", want: 3.2, wantOK: true},
		{text: "-12 degrees", want: 12, wantOK: true},
		{text: "hold steady", wantOK: false},
		{text: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ExtractValue(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveValue(t *testing.T) {
	set := plant.SuggestionSet{
		Temperature: []string{"Reduce to 1475", "Check burner 2"},
		Pressure:    []string{"keep steady"},
	}

	v, src := ResolveValue(testSnapshot, set, plant.Temperature)
	assert.Equal(t, 1475.0, v)
	assert.Equal(t, plant.SourceSuggestion, src)

	v, src = ResolveValue(testSnapshot, set, plant.Pressure)
	assert.Equal(t, 1.3e9, v, "no number in suggestion falls back to the snapshot")
	assert.Equal(t, plant.SourceCurrent, src)

	v, src = ResolveValue(testSnapshot, set, plant.Emissions)
	assert.Equal(t, 1100.0, v, "no suggestion falls back to the snapshot")
	assert.Equal(t, plant.SourceCurrent, src)
}

func newTestReview(w ApprovalWriter) *Review {
	r := NewReview(w, plant.DefaultTargets, discardLogger())
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC) }
	return r
}

func TestReview_ApproveWritesResolvedValue(t *testing.T) {
	w := &fakeWriter{}
	r := newTestReview(w)
	require.True(t, r.Reset(testSnapshot))
	assert.True(t, r.Status().Loading)

	require.True(t, r.SetSuggestions(testSnapshot.ID, suggest.Result{
		Target: plant.DefaultTargets,
		Suggestions: plant.SuggestionSet{
			Temperature: []string{"Reduce to 1475"},
		},
	}))
	assert.False(t, r.Status().Loading)

	a, err := r.Approve(context.Background(), plant.Temperature)
	require.NoError(t, err)
	assert.Equal(t, testSnapshot.ID, a.MetricID)
	assert.Equal(t, plant.Temperature, a.Metric)
	assert.Equal(t, 1475.0, a.ApprovedValue)
	assert.Equal(t, []string{"Reduce to 1475"}, a.Suggestions)
	assert.Equal(t, plant.SourceSuggestion, a.Source)
	assert.False(t, a.ApprovedAt.IsZero())
	require.Equal(t, 1, w.count())

	d := r.Decision(plant.Temperature)
	assert.Equal(t, Approved, d.State)
	assert.Equal(t, 1475.0, d.Value)

	_, err = r.Approve(context.Background(), plant.Temperature)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.ErrorIs(t, r.Reject(plant.Temperature), ErrAlreadyDecided)
	assert.Equal(t, 1, w.count())
}

func TestReview_ApproveUsesCanonicalMetric(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	r := newTestReview(store)
	require.True(t, r.Reset(testSnapshot))
	require.True(t, r.SetSuggestions(testSnapshot.ID, suggest.Result{Target: plant.DefaultTargets}))

	a, err := r.Approve(context.Background(), "Temperature")
	require.NoError(t, err)
	assert.Equal(t, plant.Temperature, a.Metric)
	assert.Equal(t, Approved, r.Decision(plant.Temperature).State)

	// the same metric in another spelling is already decided
	_, err = r.Approve(context.Background(), " TEMPERATURE ")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	assert.ErrorIs(t, r.Reject("Temperature"), ErrAlreadyDecided)

	require.NoError(t, r.Reject("Pressure"))
	assert.Equal(t, Rejected, r.Decision(plant.Pressure).State)

	all, err := store.ListApprovals(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, plant.Temperature)
}

func TestReview_ApproveFallsBackToSnapshotValue(t *testing.T) {
	w := &fakeWriter{}
	r := newTestReview(w)
	r.Reset(testSnapshot)

	a, err := r.Approve(context.Background(), plant.Pressure)
	require.NoError(t, err)
	assert.Equal(t, 1.3e9, a.ApprovedValue)
	assert.Equal(t, plant.SourceCurrent, a.Source)
	assert.Empty(t, a.Suggestions)
	assert.NotNil(t, a.Suggestions)
}

func TestReview_WriteFailureStaysPending(t *testing.T) {
	w := &fakeWriter{err: errors.New("store unavailable")}
	r := newTestReview(w)
	r.Reset(testSnapshot)

	_, err := r.Approve(context.Background(), plant.Emissions)
	require.Error(t, err)
	assert.Equal(t, Pending, r.Decision(plant.Emissions).State)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	_, err = r.Approve(context.Background(), plant.Emissions)
	require.NoError(t, err)
	assert.Equal(t, Approved, r.Decision(plant.Emissions).State)
}

func TestReview_RejectAllCompletesOnce(t *testing.T) {
	w := &fakeWriter{}
	r := newTestReview(w)

	var completed []string
	r.OnComplete(func(s plant.Snapshot) { completed = append(completed, s.ID) })
	r.Reset(testSnapshot)

	for _, m := range plant.Metrics {
		assert.Empty(t, completed)
		require.NoError(t, r.Reject(m))
	}
	assert.Equal(t, []string{testSnapshot.ID}, completed)
	assert.True(t, r.Status().Complete)
	assert.Zero(t, w.count(), "rejections are never written")

	for _, m := range plant.Metrics {
		assert.ErrorIs(t, r.Reject(m), ErrAlreadyDecided)
	}
	assert.Len(t, completed, 1)
}

func TestReview_MixedDecisionsComplete(t *testing.T) {
	r := newTestReview(&fakeWriter{})
	done := make(chan plant.Snapshot, 2)
	r.OnComplete(func(s plant.Snapshot) { done <- s })
	r.Reset(testSnapshot)

	_, err := r.Approve(context.Background(), plant.Temperature)
	require.NoError(t, err)
	require.NoError(t, r.Reject(plant.Pressure))
	_, err = r.Approve(context.Background(), plant.Emissions)
	require.NoError(t, err)

	require.Len(t, done, 1)
	assert.Equal(t, testSnapshot.ID, (<-done).ID)
}

func TestReview_ResetOnNewSnapshot(t *testing.T) {
	r := newTestReview(&fakeWriter{})
	var completions int
	r.OnComplete(func(plant.Snapshot) { completions++ })

	require.True(t, r.Reset(testSnapshot))
	assert.False(t, r.Reset(testSnapshot), "same id does not reset")

	for _, m := range plant.Metrics {
		require.NoError(t, r.Reject(m))
	}
	assert.Equal(t, 1, completions)

	next := testSnapshot
	next.ID = "snap-2"
	next.Temperature = 1480
	require.True(t, r.Reset(next))

	st := r.Status()
	assert.Equal(t, "snap-2", st.SnapshotID)
	assert.True(t, st.Loading)
	assert.False(t, st.Complete)
	for _, ms := range st.Metrics {
		assert.Equal(t, Pending, ms.State)
		assert.Empty(t, ms.Suggestions)
	}

	// suggestions for the old snapshot arrive late and are dropped
	assert.False(t, r.SetSuggestions(testSnapshot.ID, suggest.Result{
		Suggestions: plant.SuggestionSet{Temperature: []string{"stale 1"}},
	}))
	assert.Empty(t, r.Status().Metrics[0].Suggestions)

	for _, m := range plant.Metrics {
		require.NoError(t, r.Reject(m))
	}
	assert.Equal(t, 2, completions)
}

func TestReview_FailSuggestions(t *testing.T) {
	r := newTestReview(&fakeWriter{})
	r.Reset(testSnapshot)

	require.True(t, r.FailSuggestions(testSnapshot.ID, errors.New("upstream down")))
	st := r.Status()
	assert.False(t, st.Loading)
	assert.Equal(t, "upstream down", st.Error)
	for _, ms := range st.Metrics {
		assert.Empty(t, ms.Suggestions)
	}
}

func TestReview_Errors(t *testing.T) {
	r := newTestReview(&fakeWriter{})

	_, err := r.Approve(context.Background(), plant.Temperature)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.ErrorIs(t, r.Reject(plant.Temperature), ErrNoSnapshot)

	r.Reset(testSnapshot)
	_, err = r.Approve(context.Background(), "humidity")
	assert.ErrorIs(t, err, plant.ErrInvalidMetric)
	assert.ErrorIs(t, r.Reject("humidity"), plant.ErrInvalidMetric)
}

func TestReview_Status(t *testing.T) {
	r := newTestReview(&fakeWriter{})
	st := r.Status()
	assert.Empty(t, st.SnapshotID)
	assert.Empty(t, st.Metrics)

	r.Reset(testSnapshot)
	r.SetSuggestions(testSnapshot.ID, suggest.Result{Degraded: true, Suggestions: plant.EmptySuggestions()})
	_, err := r.Approve(context.Background(), plant.Temperature)
	require.NoError(t, err)

	st = r.Status()
	assert.True(t, st.Degraded)
	require.Len(t, st.Metrics, 3)

	temp := st.Metrics[0]
	assert.Equal(t, plant.Temperature, temp.Metric)
	assert.Equal(t, "°C", temp.Unit)
	assert.Equal(t, 1500.0, temp.Current)
	assert.Equal(t, 1475.0, temp.Target)
	assert.Equal(t, Approved, temp.State)
	require.NotNil(t, temp.ApprovedValue)
	assert.Equal(t, 1500.0, *temp.ApprovedValue)
	assert.Nil(t, st.Metrics[1].ApprovedValue)

	text, err := temp.State.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "approved", string(text))
}

func TestReview_OnChange(t *testing.T) {
	r := newTestReview(&fakeWriter{})
	var states []Status
	r.OnChange(func(s Status) { states = append(states, s) })

	r.Reset(testSnapshot)
	r.SetSuggestions(testSnapshot.ID, suggest.Result{Suggestions: plant.EmptySuggestions()})
	require.NoError(t, r.Reject(plant.Pressure))

	require.Len(t, states, 3)
	assert.True(t, states[0].Loading)
	assert.False(t, states[1].Loading)
	assert.Equal(t, Rejected, states[2].Metrics[1].State)
}

func TestDashboard(t *testing.T) {
	var d Dashboard
	assert.Equal(t, ViewMetrics, d.View())

	var switched []View
	d.OnSwitch(func(v View) { switched = append(switched, v) })
	d.Switch(ViewSuggestions)
	d.Switch(ViewSuggestions)
	d.Switch(ViewAutonomous)

	assert.Equal(t, ViewAutonomous, d.View())
	assert.Equal(t, []View{ViewSuggestions, ViewAutonomous}, switched)

	v, err := ParseView("suggestions")
	require.NoError(t, err)
	assert.Equal(t, ViewSuggestions, v)
	_, err = ParseView("settings")
	assert.Error(t, err)
}

type fakeSuggester struct {
	result suggest.Result
	err    error
}

func (f fakeSuggester) Suggest(ctx context.Context, _ plant.Snapshot) (suggest.Result, error) {
	if err := ctx.Err(); err != nil {
		return suggest.Result{}, err
	}
	return f.result, f.err
}

func TestCoordinator_EndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	review := NewReview(store, plant.DefaultTargets, discardLogger())
	dashboard := &Dashboard{}
	relay := suggest.NewRelay(suggest.NewOfflineGenerator(), plant.DefaultTargets, 0, discardLogger())
	coord := NewCoordinator(review, relay, store, dashboard, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- coord.Run(ctx) }()

	temp, pressure, emissions := 1500.0, 1.3e9, 1100.0
	snap, err := store.AddSnapshot(ctx, plant.Reading{
		Temperature: &temp,
		Pressure:    &pressure,
		Emissions:   &emissions,
		FuelType:    "coal",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := review.Status()
		return st.SnapshotID == snap.ID && !st.Loading
	}, 2*time.Second, 5*time.Millisecond)

	st := review.Status()
	require.NotEmpty(t, st.Metrics[0].Suggestions)

	a, err := review.Approve(ctx, plant.Temperature)
	require.NoError(t, err)
	assert.Equal(t, 1475.0, a.ApprovedValue)
	require.NoError(t, review.Reject(plant.Pressure))
	assert.NotEqual(t, ViewAutonomous, dashboard.View())
	_, err = review.Approve(ctx, plant.Emissions)
	require.NoError(t, err)

	assert.Equal(t, ViewAutonomous, dashboard.View())

	stored, found, err := store.GetApproval(ctx, plant.Temperature)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.IsCurrentFor(snap))

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinator_SuggesterFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	review := NewReview(store, plant.DefaultTargets, discardLogger())
	coord := NewCoordinator(review, fakeSuggester{err: errors.New("quota exceeded")}, store, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- coord.Run(ctx) }()

	temp, pressure, emissions := 1500.0, 1.3e9, 1100.0
	snap, err := store.AddSnapshot(ctx, plant.Reading{Temperature: &temp, Pressure: &pressure, Emissions: &emissions})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := coord.Review().Status()
		return st.SnapshotID == snap.ID && !st.Loading
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "quota exceeded", review.Status().Error)

	cancel()
	require.NoError(t, <-errc)
}
