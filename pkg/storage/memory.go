package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// MemoryStore keeps snapshots and approvals in process memory.
// Data is lost on restart. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []plant.Snapshot // oldest first
	byID      map[string]int
	approvals map[plant.MetricName]plant.Approval
	lastTime  time.Time
	closed    bool

	// rev counts writes; latestRev and approvalRevs record the write that
	// produced each current value.
	rev          uint64
	latestRev    uint64
	approvalRevs map[plant.MetricName]uint64

	hub   *hub
	now   func() time.Time
	newID func() string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:         make(map[string]int),
		approvals:    make(map[plant.MetricName]plant.Approval),
		approvalRevs: make(map[plant.MetricName]uint64),
		hub:          newHub(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// AddSnapshot stores r with a fresh id and a strictly increasing timestamp.
func (m *MemoryStore) AddSnapshot(_ context.Context, r plant.Reading) (plant.Snapshot, error) {
	snap, err := plant.NewSnapshot(r)
	if err != nil {
		return plant.Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return plant.Snapshot{}, ErrClosed
	}

	created := m.now().UTC()
	if !created.After(m.lastTime) {
		created = m.lastTime.Add(time.Nanosecond)
	}
	m.lastTime = created

	snap.ID = m.newID()
	snap.CreatedAt = created
	m.byID[snap.ID] = len(m.snapshots)
	m.snapshots = append(m.snapshots, snap)
	m.rev++
	m.latestRev = m.rev

	m.hub.publishLatest(snap, m.latestRev)
	return snap, nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context) (plant.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return plant.Snapshot{}, false, nil
	}
	return m.snapshots[len(m.snapshots)-1], true, nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, id string) (plant.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return plant.Snapshot{}, false, nil
	}
	return m.snapshots[i], true, nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]plant.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.snapshots)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]plant.Snapshot, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.snapshots[i])
	}
	return out, nil
}

// SubscribeLatest delivers the current latest snapshot and every newer one.
func (m *MemoryStore) SubscribeLatest(_ context.Context, fn SnapshotHandler) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := m.hub.addLatest(fn)
	if n := len(m.snapshots); n > 0 {
		sub.offer(snapshotEvent{snapshot: m.snapshots[n-1], found: true, rev: m.latestRev})
	} else {
		sub.offer(snapshotEvent{})
	}
	return sub, nil
}

// PutApproval overwrites the approval slot of a.Metric.
func (m *MemoryStore) PutApproval(_ context.Context, a plant.Approval) error {
	if err := validateApproval(a); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	a.Suggestions = append([]string{}, a.Suggestions...)
	m.approvals[a.Metric] = a
	m.rev++
	m.approvalRevs[a.Metric] = m.rev
	m.hub.publishApproval(a, m.rev)
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, metric plant.MetricName) (plant.Approval, bool, error) {
	if err := checkMetric(metric); err != nil {
		return plant.Approval{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[metric]
	return a, ok, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context) (map[plant.MetricName]plant.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.approvals), nil
}

// SubscribeApproval delivers the current approval for metric and every
// overwrite after it.
func (m *MemoryStore) SubscribeApproval(_ context.Context, metric plant.MetricName, fn ApprovalHandler) (Subscription, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := m.hub.addApproval(metric, fn)
	a, ok := m.approvals[metric]
	sub.offer(approvalEvent{approval: a, found: ok, rev: m.approvalRevs[metric]})
	return sub, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store: %w", ErrClosed)
	}
	return nil
}

// Close stops every subscription. Further writes fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.hub.closeAll()
	return nil
}
