package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/storage"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

// Suggester produces suggestions for a snapshot.
type Suggester interface {
	Suggest(ctx context.Context, s plant.Snapshot) (suggest.Result, error)
}

// LatestSource notifies about the latest snapshot.
type LatestSource interface {
	SubscribeLatest(ctx context.Context, fn storage.SnapshotHandler) (storage.Subscription, error)
}

// Coordinator drives a Review from the metric store: every new latest
// snapshot resets the review and fetches suggestions for it in the
// background. When the review completes the dashboard switches to the
// autonomous view.
type Coordinator struct {
	review    *Review
	suggester Suggester
	source    LatestSource
	dashboard *Dashboard
	logger    *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewCoordinator wires review to source and suggester. It registers the
// review's completion callback.
func NewCoordinator(review *Review, suggester Suggester, source LatestSource, dashboard *Dashboard, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		review:    review,
		suggester: suggester,
		source:    source,
		dashboard: dashboard,
		logger:    logger,
	}
	review.OnComplete(func(s plant.Snapshot) {
		if c.dashboard != nil {
			c.dashboard.Switch(ViewAutonomous)
		}
	})
	return c
}

// Review returns the coordinated review.
func (c *Coordinator) Review() *Review {
	return c.review
}

// Run follows the latest snapshot until ctx is done. In-flight suggestion
// requests share ctx and are waited for before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.source.SubscribeLatest(ctx, func(s plant.Snapshot, found bool) {
		if !found {
			return
		}
		c.observe(ctx, s)
	})
	if err != nil {
		return err
	}

	c.logger.Info("review coordinator started")
	<-ctx.Done()
	sub.Unsubscribe()

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("review coordinator stopped")
	return nil
}

func (c *Coordinator) observe(ctx context.Context, s plant.Snapshot) {
	if !c.review.Reset(s) {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		res, err := c.suggester.Suggest(ctx, s)
		if err != nil {
			// the review shows empty suggestions; approving falls back to
			// the snapshot values
			c.review.FailSuggestions(s.ID, err)
			return
		}
		c.review.SetSuggestions(s.ID, res)
	}()
}
