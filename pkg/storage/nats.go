package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// Bucket names mirror the document collections of the dashboard.
const (
	MetricsBucket   = "metrics"
	ApprovalsBucket = "approvedSuggestions"
)

// NATSStore keeps snapshots and approvals in JetStream key-value buckets.
// Snapshot order and subscription order are the KV revision; the creation
// time is the server timestamp of the entry. Change notification uses KV watchers.
type NATSStore struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	metrics   jetstream.KeyValue
	approvals jetstream.KeyValue
	hub       *hub

	watchOnce sync.Once
	watchErr  error
	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewNATSStore connects to url and creates the buckets if needed.
func NewNATSStore(ctx context.Context, url string) (*NATSStore, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("kilnpilot"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	s, err := NewNATSStoreFromConn(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// NewNATSStoreFromConn builds a store on an existing connection. The store
// takes ownership of nc.
func NewNATSStoreFromConn(ctx context.Context, nc *nats.Conn) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	metrics, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      MetricsBucket,
		Description: "kiln metric snapshots",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", MetricsBucket, err)
	}

	approvals, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ApprovalsBucket,
		Description: "one approval per metric",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", ApprovalsBucket, err)
	}

	return &NATSStore{
		nc:        nc,
		js:        js,
		metrics:   metrics,
		approvals: approvals,
		hub:       newHub(),
	}, nil
}

func (n *NATSStore) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("nats: not connected (status %s)", n.nc.Status())
	}
	if _, err := n.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("nats account info: %w", err)
	}
	return nil
}

// AddSnapshot creates a new key in the metrics bucket and reads it back to
// pick up the server-assigned timestamp.
func (n *NATSStore) AddSnapshot(ctx context.Context, r plant.Reading) (plant.Snapshot, error) {
	snap, err := plant.NewSnapshot(r)
	if err != nil {
		return plant.Snapshot{}, err
	}
	snap.ID = uuid.NewString()

	data, err := json.Marshal(snap)
	if err != nil {
		return plant.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := n.metrics.Create(ctx, snap.ID, data); err != nil {
		return plant.Snapshot{}, fmt.Errorf("nats create snapshot: %w", err)
	}

	stored, found, err := n.GetSnapshot(ctx, snap.ID)
	if err != nil {
		return plant.Snapshot{}, err
	}
	if !found {
		return plant.Snapshot{}, fmt.Errorf("snapshot %s vanished after create", snap.ID)
	}
	return stored, nil
}

func decodeSnapshotEntry(e jetstream.KeyValueEntry) (plant.Snapshot, error) {
	var snap plant.Snapshot
	if err := json.Unmarshal(e.Value(), &snap); err != nil {
		return plant.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", e.Key(), err)
	}
	snap.ID = e.Key()
	snap.CreatedAt = e.Created().UTC()
	return snap, nil
}

func (n *NATSStore) LatestSnapshot(ctx context.Context) (plant.Snapshot, bool, error) {
	snap, _, found, err := n.latest(ctx)
	return snap, found, err
}

// latest reads the last message of the bucket's backing stream. Its stream
// sequence is the KV revision of the entry.
func (n *NATSStore) latest(ctx context.Context) (plant.Snapshot, uint64, bool, error) {
	stream, err := n.js.Stream(ctx, "KV_"+MetricsBucket)
	if err != nil {
		return plant.Snapshot{}, 0, false, fmt.Errorf("nats metrics stream: %w", err)
	}

	prefix := "$KV." + MetricsBucket + "."
	msg, err := stream.GetLastMsgForSubject(ctx, prefix+">")
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return plant.Snapshot{}, 0, false, nil
	}
	if err != nil {
		return plant.Snapshot{}, 0, false, fmt.Errorf("nats last snapshot: %w", err)
	}

	var snap plant.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return plant.Snapshot{}, 0, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snap.ID = strings.TrimPrefix(msg.Subject, prefix)
	snap.CreatedAt = msg.Time.UTC()
	return snap, msg.Sequence, true, nil
}

func (n *NATSStore) GetSnapshot(ctx context.Context, id string) (plant.Snapshot, bool, error) {
	entry, err := n.metrics.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return plant.Snapshot{}, false, nil
	}
	if err != nil {
		return plant.Snapshot{}, false, fmt.Errorf("nats get snapshot: %w", err)
	}
	snap, err := decodeSnapshotEntry(entry)
	if err != nil {
		return plant.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (n *NATSStore) ListSnapshots(ctx context.Context, limit int) ([]plant.Snapshot, error) {
	lister, err := n.metrics.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []plant.Snapshot{}, nil
		}
		return nil, fmt.Errorf("nats list keys: %w", err)
	}
	defer lister.Stop()

	type ranked struct {
		rev  uint64
		snap plant.Snapshot
	}
	var all []ranked
	for key := range lister.Keys() {
		entry, err := n.metrics.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("nats get snapshot %s: %w", key, err)
		}
		snap, err := decodeSnapshotEntry(entry)
		if err != nil {
			return nil, err
		}
		all = append(all, ranked{rev: entry.Revision(), snap: snap})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].rev > all[j].rev })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]plant.Snapshot, len(all))
	for i, r := range all {
		out[i] = r.snap
	}
	return out, nil
}

func (n *NATSStore) SubscribeLatest(ctx context.Context, fn SnapshotHandler) (Subscription, error) {
	if err := n.watch(ctx); err != nil {
		return nil, err
	}

	sub := n.hub.addLatest(fn)
	snap, rev, found, err := n.latest(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.offer(snapshotEvent{snapshot: snap, found: found, rev: rev})
	return sub, nil
}

func (n *NATSStore) PutApproval(ctx context.Context, a plant.Approval) error {
	if err := validateApproval(a); err != nil {
		return err
	}
	if a.Suggestions == nil {
		a.Suggestions = []string{}
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if _, err := n.approvals.Put(ctx, string(a.Metric), data); err != nil {
		return fmt.Errorf("nats put approval: %w", err)
	}
	return nil
}

func (n *NATSStore) GetApproval(ctx context.Context, metric plant.MetricName) (plant.Approval, bool, error) {
	a, _, found, err := n.approval(ctx, metric)
	return a, found, err
}

func (n *NATSStore) approval(ctx context.Context, metric plant.MetricName) (plant.Approval, uint64, bool, error) {
	if err := checkMetric(metric); err != nil {
		return plant.Approval{}, 0, false, err
	}
	entry, err := n.approvals.Get(ctx, string(metric))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return plant.Approval{}, 0, false, nil
	}
	if err != nil {
		return plant.Approval{}, 0, false, fmt.Errorf("nats get approval: %w", err)
	}

	var a plant.Approval
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return plant.Approval{}, 0, false, fmt.Errorf("unmarshal approval: %w", err)
	}
	return a, entry.Revision(), true, nil
}

func (n *NATSStore) ListApprovals(ctx context.Context) (map[plant.MetricName]plant.Approval, error) {
	out := make(map[plant.MetricName]plant.Approval, len(plant.Metrics))
	for _, m := range plant.Metrics {
		a, ok, err := n.GetApproval(ctx, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out[m] = a
		}
	}
	return out, nil
}

func (n *NATSStore) SubscribeApproval(ctx context.Context, metric plant.MetricName, fn ApprovalHandler) (Subscription, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	if err := n.watch(ctx); err != nil {
		return nil, err
	}

	sub := n.hub.addApproval(metric, fn)
	a, rev, found, err := n.approval(ctx, metric)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.offer(approvalEvent{approval: a, found: found, rev: rev})
	return sub, nil
}

// watch starts one updates-only watcher per bucket on first use.
func (n *NATSStore) watch(ctx context.Context) error {
	n.watchOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())

		metricsWatcher, err := n.metrics.WatchAll(loopCtx, jetstream.UpdatesOnly())
		if err != nil {
			cancel()
			n.watchErr = fmt.Errorf("watch %s: %w", MetricsBucket, err)
			return
		}
		approvalsWatcher, err := n.approvals.WatchAll(loopCtx, jetstream.UpdatesOnly())
		if err != nil {
			metricsWatcher.Stop()
			cancel()
			n.watchErr = fmt.Errorf("watch %s: %w", ApprovalsBucket, err)
			return
		}

		n.mu.Lock()
		n.cancel = cancel
		n.mu.Unlock()

		n.wg.Add(2)
		go n.forward(loopCtx, metricsWatcher, func(e jetstream.KeyValueEntry) {
			if snap, err := decodeSnapshotEntry(e); err == nil {
				n.hub.publishLatest(snap, e.Revision())
			}
		})
		go n.forward(loopCtx, approvalsWatcher, func(e jetstream.KeyValueEntry) {
			var a plant.Approval
			if err := json.Unmarshal(e.Value(), &a); err == nil {
				n.hub.publishApproval(a, e.Revision())
			}
		})
	})
	return n.watchErr
}

func (n *NATSStore) forward(ctx context.Context, w jetstream.KeyWatcher, fn func(jetstream.KeyValueEntry)) {
	defer n.wg.Done()
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			// nil marks the end of the initial replay
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			fn(entry)
		}
	}
}

// Close stops watchers and drains the connection.
func (n *NATSStore) Close() error {
	n.hub.closeAll()

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()
	return n.nc.Drain()
}
