package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/HatiCode/kilnpilot/cmd/relay/metrics"
	"github.com/HatiCode/kilnpilot/cmd/relay/stream"
	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/storage"
	"github.com/HatiCode/kilnpilot/pkg/summary"
	"github.com/HatiCode/kilnpilot/pkg/workflow"
)

// Feed turns state changes of the review, the summary view, the dashboard
// and the metric store into websocket events.
type Feed struct {
	hub       *stream.Hub
	store     storage.MetricStore
	review    *workflow.Review
	view      *summary.View
	dashboard *workflow.Dashboard
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu            sync.Mutex
	lastCompleted string
}

// DashboardPayload is the payload of a dashboard event.
type DashboardPayload struct {
	View workflow.View `json:"view"`
}

func NewFeed(
	hub *stream.Hub,
	store storage.MetricStore,
	review *workflow.Review,
	view *summary.View,
	dashboard *workflow.Dashboard,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Feed {
	return &Feed{
		hub:       hub,
		store:     store,
		review:    review,
		view:      view,
		dashboard: dashboard,
		metrics:   m,
		logger:    logger,
	}
}

// Attach registers the change hooks and subscribes to the latest snapshot.
// The returned subscription stops snapshot events.
func (f *Feed) Attach(ctx context.Context) (storage.Subscription, error) {
	f.review.OnChange(f.onReview)
	f.view.OnChange(func(s summary.Summary) {
		f.hub.Broadcast(stream.Event{Type: stream.TypeSummary, Payload: s})
	})
	f.dashboard.OnSwitch(func(v workflow.View) {
		f.logger.Info("dashboard view switched", "view", v)
		f.hub.Broadcast(stream.Event{Type: stream.TypeDashboard, Payload: DashboardPayload{View: v}})
	})

	return f.store.SubscribeLatest(ctx, func(s plant.Snapshot, found bool) {
		if found {
			f.hub.Broadcast(stream.Event{Type: stream.TypeSnapshot, Payload: s})
		}
	})
}

func (f *Feed) onReview(st workflow.Status) {
	f.hub.Broadcast(stream.Event{Type: stream.TypeReview, Payload: st})

	if !st.Complete || f.metrics == nil {
		return
	}
	f.mu.Lock()
	first := st.SnapshotID != f.lastCompleted
	f.lastCompleted = st.SnapshotID
	f.mu.Unlock()
	if first {
		f.metrics.RecordReviewCompleted()
	}
}

// Initial returns the events a newly connected client starts from.
func (f *Feed) Initial() []stream.Event {
	events := make([]stream.Event, 0, 4)
	ctx, cancel := context.WithTimeout(context.Background(), initialTimeout)
	defer cancel()
	if snap, found, err := f.store.LatestSnapshot(ctx); err != nil {
		f.logger.Warn("failed to load latest snapshot for new client", "error", err)
	} else if found {
		events = append(events, stream.Event{Type: stream.TypeSnapshot, Payload: snap})
	}
	return append(events,
		stream.Event{Type: stream.TypeReview, Payload: f.review.Status()},
		stream.Event{Type: stream.TypeSummary, Payload: f.view.Summary()},
		stream.Event{Type: stream.TypeDashboard, Payload: DashboardPayload{View: f.dashboard.View()}},
	)
}
