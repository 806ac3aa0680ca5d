package summary

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/storage"
)

// ErrNotReady is returned by Implement before any snapshot exists.
var ErrNotReady = errors.New("no snapshot to implement")

// Source is the part of the store the view listens to.
type Source interface {
	SubscribeLatest(ctx context.Context, fn storage.SnapshotHandler) (storage.Subscription, error)
	SubscribeApproval(ctx context.Context, metric plant.MetricName, fn storage.ApprovalHandler) (storage.Subscription, error)
}

// View keeps a live Summary. It follows the latest snapshot and, for each
// snapshot, subscribes to the three approval slots; the approval
// subscriptions are replaced whenever the latest snapshot changes.
type View struct {
	src    Source
	ctx    context.Context
	logger *slog.Logger

	mu           sync.Mutex
	latest       plant.Snapshot
	hasLatest    bool
	approvals    map[plant.MetricName]plant.Approval
	generation   uint64
	latestSub    storage.Subscription
	approvalSubs []storage.Subscription
	implemented  bool
	closed       bool
	onChange     func(Summary)

	closeOnce sync.Once
}

// NewView subscribes to src. ctx is used for every subscription the view
// makes; Close releases them.
func NewView(ctx context.Context, src Source, logger *slog.Logger) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &View{
		src:       src,
		ctx:       ctx,
		logger:    logger,
		approvals: make(map[plant.MetricName]plant.Approval),
	}

	sub, err := src.SubscribeLatest(ctx, v.onLatest)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.latestSub = sub
	v.mu.Unlock()
	return v, nil
}

// OnChange registers fn to run after every change of the summary.
func (v *View) OnChange(fn func(Summary)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Summary returns the current summary.
func (v *View) Summary() Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.summaryLocked()
}

func (v *View) summaryLocked() Summary {
	if !v.hasLatest {
		return Summary{Rows: []Row{}, Implemented: v.implemented}
	}
	s := Build(v.latest, v.approvals)
	s.Implemented = v.implemented
	return s
}

// Implement sets the ready-to-implement acknowledgement.
func (v *View) Implement() error {
	v.mu.Lock()
	if !v.hasLatest {
		v.mu.Unlock()
		return ErrNotReady
	}
	changed := !v.implemented
	v.implemented = true
	s, fn := v.summaryLocked(), v.onChange
	v.mu.Unlock()

	if changed {
		v.logger.Info("approved values marked as implemented", "snapshot", s.Snapshot.ID)
		if fn != nil {
			fn(s)
		}
	}
	return nil
}

// Dismiss clears the acknowledgement.
func (v *View) Dismiss() {
	v.mu.Lock()
	changed := v.implemented
	v.implemented = false
	s, fn := v.summaryLocked(), v.onChange
	v.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

func (v *View) onLatest(s plant.Snapshot, found bool) {
	v.mu.Lock()
	if v.closed || !found || (v.hasLatest && v.latest.ID == s.ID) {
		v.mu.Unlock()
		return
	}
	old := v.approvalSubs
	v.approvalSubs = nil
	v.generation++
	gen := v.generation
	v.latest = s
	v.hasLatest = true
	v.approvals = make(map[plant.MetricName]plant.Approval)
	summary, fn := v.summaryLocked(), v.onChange
	v.mu.Unlock()

	for _, sub := range old {
		sub.Unsubscribe()
	}
	if fn != nil {
		fn(summary)
	}

	subs := make([]storage.Subscription, 0, len(plant.Metrics))
	for _, m := range plant.Metrics {
		sub, err := v.src.SubscribeApproval(v.ctx, m, func(a plant.Approval, found bool) {
			v.onApproval(gen, m, a, found)
		})
		if err != nil {
			v.logger.Error("failed to subscribe to approval", "metric", m, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	v.mu.Lock()
	if v.closed || v.generation != gen {
		v.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return
	}
	v.approvalSubs = subs
	v.mu.Unlock()
}

func (v *View) onApproval(gen uint64, m plant.MetricName, a plant.Approval, found bool) {
	v.mu.Lock()
	if v.closed || v.generation != gen {
		v.mu.Unlock()
		return
	}
	if found {
		v.approvals[m] = a
	} else if _, had := v.approvals[m]; had {
		delete(v.approvals, m)
	} else {
		v.mu.Unlock()
		return
	}
	summary, fn := v.summaryLocked(), v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn(summary)
	}
}

// Close tears down every subscription. It is safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		subs := append([]storage.Subscription{}, v.approvalSubs...)
		if v.latestSub != nil {
			subs = append(subs, v.latestSub)
		}
		v.approvalSubs = nil
		v.latestSub = nil
		v.mu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}
