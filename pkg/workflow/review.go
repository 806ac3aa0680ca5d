// Package workflow tracks the operator's review of generated suggestions.
//
// A Review follows the latest snapshot. Each metric starts Pending and moves
// to Approved (with the resolved value written to the approval store) or
// Rejected (local only). Decisions are final until the next snapshot resets
// the review. Once every metric is decided a completion callback fires, once
// per snapshot.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

var (
	// ErrAlreadyDecided is returned when a metric has left Pending.
	ErrAlreadyDecided = errors.New("metric already decided")
	// ErrInProgress is returned while an approval write for the metric is running.
	ErrInProgress = errors.New("approval in progress")
	// ErrNoSnapshot is returned before any snapshot has been observed.
	ErrNoSnapshot = errors.New("no snapshot under review")
)

// State is the review state of one metric.
type State int

const (
	Pending State = iota
	Approved
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "approved":
		*s = Approved
	case "rejected":
		*s = Rejected
	default:
		return fmt.Errorf("unknown review state %q", text)
	}
	return nil
}

// Decision is the state of one metric. Value is set only when Approved.
type Decision struct {
	State  State
	Value  float64
	Source plant.ValueSource
}

// ApprovalWriter is the part of the approval store a review writes to.
type ApprovalWriter interface {
	PutApproval(ctx context.Context, a plant.Approval) error
}

// MetricStatus is the review view of one metric.
type MetricStatus struct {
	Metric        plant.MetricName  `json:"metric"`
	Unit          string            `json:"unit"`
	Current       float64           `json:"current"`
	Target        float64           `json:"target"`
	State         State             `json:"state"`
	ApprovedValue *float64          `json:"approvedValue,omitempty"`
	Source        plant.ValueSource `json:"source,omitempty"`
	Suggestions   []string          `json:"suggestions"`
}

// Status is a point-in-time copy of the review.
type Status struct {
	SnapshotID string         `json:"snapshotId,omitempty"`
	Loading    bool           `json:"loading"`
	Degraded   bool           `json:"degraded"`
	Error      string         `json:"error,omitempty"`
	Complete   bool           `json:"complete"`
	Metrics    []MetricStatus `json:"metrics"`
}

// Review is the per-snapshot approval tracker. It is safe for concurrent use.
type Review struct {
	writer  ApprovalWriter
	targets plant.Targets
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	snapshot    plant.Snapshot
	hasSnapshot bool
	suggestions plant.SuggestionSet
	loading     bool
	degraded    bool
	suggestErr  string
	decisions   map[plant.MetricName]Decision
	inFlight    map[plant.MetricName]bool
	completed   bool

	onComplete func(plant.Snapshot)
	onChange   func(Status)
}

// NewReview creates a review with no snapshot.
func NewReview(writer ApprovalWriter, targets plant.Targets, logger *slog.Logger) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Review{
		writer:   writer,
		targets:  targets,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[plant.MetricName]bool),
	}
	r.clearLocked()
	return r
}

// OnComplete registers fn to run once all three metrics are decided.
// It runs at most once per snapshot, outside the review lock.
func (r *Review) OnComplete(fn func(plant.Snapshot)) {
	r.mu.Lock()
	r.onComplete = fn
	r.mu.Unlock()
}

// OnChange registers fn to run after every state change.
func (r *Review) OnChange(fn func(Status)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Review) clearLocked() {
	r.suggestions = plant.EmptySuggestions()
	r.degraded = false
	r.suggestErr = ""
	r.completed = false
	r.decisions = make(map[plant.MetricName]Decision, len(plant.Metrics))
	for _, m := range plant.Metrics {
		r.decisions[m] = Decision{State: Pending}
	}
	clear(r.inFlight)
}

// Reset starts reviewing s if its id differs from the current snapshot.
// It reports whether the review was reset.
func (r *Review) Reset(s plant.Snapshot) bool {
	r.mu.Lock()
	if r.hasSnapshot && r.snapshot.ID == s.ID {
		r.mu.Unlock()
		return false
	}
	r.snapshot = s
	r.hasSnapshot = true
	r.clearLocked()
	r.loading = true
	status, notify := r.statusLocked(), r.onChange
	r.mu.Unlock()

	r.logger.Info("review reset", "snapshot", s.ID)
	if notify != nil {
		notify(status)
	}
	return true
}

// SetSuggestions stores the relay result for snapshotID. Results for a
// snapshot that is no longer under review are dropped.
func (r *Review) SetSuggestions(snapshotID string, res suggest.Result) bool {
	return r.finishLoading(snapshotID, func() {
		r.suggestions = res.Suggestions
		r.degraded = res.Degraded
	})
}

// FailSuggestions ends loading for snapshotID with empty suggestions.
func (r *Review) FailSuggestions(snapshotID string, err error) bool {
	return r.finishLoading(snapshotID, func() {
		r.suggestions = plant.EmptySuggestions()
		r.suggestErr = err.Error()
	})
}

func (r *Review) finishLoading(snapshotID string, apply func()) bool {
	r.mu.Lock()
	if !r.hasSnapshot || r.snapshot.ID != snapshotID {
		r.mu.Unlock()
		r.logger.Debug("dropping suggestions for superseded snapshot", "snapshot", snapshotID)
		return false
	}
	apply()
	r.loading = false
	status, notify := r.statusLocked(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(status)
	}
	return true
}

// Approve resolves the value for metric, writes the approval and marks the
// metric Approved. On a write error the metric stays Pending.
func (r *Review) Approve(ctx context.Context, metric plant.MetricName) (plant.Approval, error) {
	metric, err := plant.ParseMetricName(string(metric))
	if err != nil {
		return plant.Approval{}, err
	}

	r.mu.Lock()
	if err := r.checkPendingLocked(metric); err != nil {
		r.mu.Unlock()
		return plant.Approval{}, err
	}
	snap := r.snapshot
	value, source := ResolveValue(snap, r.suggestions, metric)
	approval := plant.Approval{
		MetricID:      snap.ID,
		Metric:        metric,
		ApprovedAt:    r.now().UTC(),
		ApprovedValue: value,
		Suggestions:   append([]string{}, r.suggestions.Get(metric)...),
		Source:        source,
	}
	r.inFlight[metric] = true
	r.mu.Unlock()

	if source == plant.SourceCurrent {
		r.logger.Warn("no numeric value in suggestion, approving current value",
			"metric", metric,
			"snapshot", snap.ID,
			"value", value,
		)
	}

	err = r.writer.PutApproval(ctx, approval)

	r.mu.Lock()
	if r.snapshot.ID != snap.ID {
		// superseded while writing; the new review starts clean
		r.mu.Unlock()
		if err != nil {
			return plant.Approval{}, fmt.Errorf("write approval: %w", err)
		}
		return approval, nil
	}
	delete(r.inFlight, metric)
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("failed to write approval",
			"metric", metric,
			"snapshot", snap.ID,
			"error", err,
		)
		return plant.Approval{}, fmt.Errorf("write approval: %w", err)
	}
	r.decisions[metric] = Decision{State: Approved, Value: value, Source: source}
	status, notify, done := r.afterDecisionLocked()
	r.mu.Unlock()

	r.logger.Info("metric approved", "metric", metric, "snapshot", snap.ID, "value", value, "source", source)
	r.emit(status, notify, done)
	return approval, nil
}

// Reject marks metric Rejected. Nothing is written to the store.
func (r *Review) Reject(metric plant.MetricName) error {
	metric, err := plant.ParseMetricName(string(metric))
	if err != nil {
		return err
	}

	r.mu.Lock()
	if err := r.checkPendingLocked(metric); err != nil {
		r.mu.Unlock()
		return err
	}
	snapID := r.snapshot.ID
	r.decisions[metric] = Decision{State: Rejected}
	status, notify, done := r.afterDecisionLocked()
	r.mu.Unlock()

	r.logger.Info("metric rejected", "metric", metric, "snapshot", snapID)
	r.emit(status, notify, done)
	return nil
}

func (r *Review) checkPendingLocked(metric plant.MetricName) error {
	if !r.hasSnapshot {
		return ErrNoSnapshot
	}
	if r.inFlight[metric] {
		return ErrInProgress
	}
	if d := r.decisions[metric]; d.State != Pending {
		return fmt.Errorf("%s is %s: %w", metric, d.State, ErrAlreadyDecided)
	}
	return nil
}

// afterDecisionLocked marks completion and returns what to run after unlock.
func (r *Review) afterDecisionLocked() (Status, func(Status), func()) {
	var done func()
	if !r.completed && r.allDecidedLocked() {
		r.completed = true
		if fn := r.onComplete; fn != nil {
			snap := r.snapshot
			done = func() { fn(snap) }
		}
	}
	return r.statusLocked(), r.onChange, done
}

func (r *Review) emit(status Status, notify func(Status), done func()) {
	if notify != nil {
		notify(status)
	}
	if done != nil {
		r.logger.Info("review complete", "snapshot", status.SnapshotID)
		done()
	}
}

func (r *Review) allDecidedLocked() bool {
	for _, m := range plant.Metrics {
		if r.decisions[m].State == Pending {
			return false
		}
	}
	return true
}

// Decision returns the current decision for metric.
func (r *Review) Decision(metric plant.MetricName) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decisions[metric]
}

// Status returns a copy of the review state.
func (r *Review) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Review) statusLocked() Status {
	st := Status{
		Loading:  r.loading,
		Degraded: r.degraded,
		Error:    r.suggestErr,
		Complete: r.completed,
		Metrics:  make([]MetricStatus, 0, len(plant.Metrics)),
	}
	if !r.hasSnapshot {
		st.Loading = false
		return st
	}
	st.SnapshotID = r.snapshot.ID

	for _, m := range plant.Metrics {
		d := r.decisions[m]
		ms := MetricStatus{
			Metric:      m,
			Unit:        m.Unit(),
			Current:     r.snapshot.Value(m),
			Target:      r.targets.Value(m),
			State:       d.State,
			Suggestions: append([]string{}, r.suggestions.Get(m)...),
		}
		if d.State == Approved {
			v := d.Value
			ms.ApprovedValue = &v
			ms.Source = d.Source
		}
		st.Metrics = append(st.Metrics, ms)
	}
	return st
}
