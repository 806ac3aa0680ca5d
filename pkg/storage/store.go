// Package storage provides the metric store and the approval store.
//
// The metric store is append-only: every submitted reading becomes an
// immutable Snapshot with a store-assigned id and creation time, queried
// most-recent-first. The approval store holds exactly one slot per metric,
// overwritten on every approval (last write wins).
//
// Both stores offer realtime change notification. A subscription fires once
// with the current value and again on every change, in order, with
// last-value-wins delivery. Every Subscribe call returns a Subscription whose
// Unsubscribe takes effect exactly once.
//
// Backends: MemoryStore (in-process), RedisStore (go-redis, pub/sub
// notifications) and NATSStore (JetStream key-value buckets and watchers).
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// SnapshotHandler receives the latest snapshot; found is false while the
// metric store is empty.
type SnapshotHandler func(snapshot plant.Snapshot, found bool)

// ApprovalHandler receives the approval slot of one metric; found is false
// while no approval has been recorded for it.
type ApprovalHandler func(approval plant.Approval, found bool)

// Subscription is the teardown handle returned by Subscribe calls.
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe()
}

// MetricStore persists snapshots.
type MetricStore interface {
	// AddSnapshot validates r and stores it as a new snapshot.
	AddSnapshot(ctx context.Context, r plant.Reading) (plant.Snapshot, error)
	LatestSnapshot(ctx context.Context) (plant.Snapshot, bool, error)
	GetSnapshot(ctx context.Context, id string) (plant.Snapshot, bool, error)
	// ListSnapshots returns at most limit snapshots, newest first.
	// A limit <= 0 returns all of them.
	ListSnapshots(ctx context.Context, limit int) ([]plant.Snapshot, error)
	SubscribeLatest(ctx context.Context, fn SnapshotHandler) (Subscription, error)
}

// ApprovalStore persists the single approval slot per metric.
type ApprovalStore interface {
	// PutApproval overwrites the slot for a.Metric.
	PutApproval(ctx context.Context, a plant.Approval) error
	GetApproval(ctx context.Context, metric plant.MetricName) (plant.Approval, bool, error)
	ListApprovals(ctx context.Context) (map[plant.MetricName]plant.Approval, error)
	SubscribeApproval(ctx context.Context, metric plant.MetricName, fn ApprovalHandler) (Subscription, error)
}

// Store combines both stores with lifecycle management.
type Store interface {
	MetricStore
	ApprovalStore
	Ping(ctx context.Context) error
	Close() error
}

// checkMetric accepts only the canonical spelling of a metric name, so a
// variant such as "Temperature" can never open a slot of its own.
func checkMetric(m plant.MetricName) error {
	parsed, err := plant.ParseMetricName(string(m))
	if err != nil {
		return err
	}
	if parsed != m {
		return fmt.Errorf("%w: %q is not canonical, use %q", plant.ErrInvalidMetric, m, parsed)
	}
	return nil
}

func validateApproval(a plant.Approval) error {
	if err := checkMetric(a.Metric); err != nil {
		return err
	}
	if a.MetricID == "" {
		return errors.New("approval requires a snapshot id")
	}
	return nil
}
