package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// RedisStore keeps snapshots and approvals in Redis and uses pub/sub for
// change notification, so several relay instances can share one store.
//
// Layout (prefix defaults to "kilnpilot"):
//
//	<prefix>:metrics:seq                  INCR counter ordering snapshots
//	<prefix>:metrics:index                ZSET of snapshot ids scored by seq
//	<prefix>:metrics:doc:<id>             snapshot JSON
//	<prefix>:approvedSuggestions:rev      INCR counter ordering approvals
//	<prefix>:approvedSuggestions:<metric> HASH {rev, doc}
//	<prefix>:events                       pub/sub channel
//
// Notifications carry the seq or rev of their write; subscribers order by
// it and never by timestamps.
type RedisStore struct {
	client *redis.Client
	prefix string
	hub    *hub

	listenOnce sync.Once
	listenErr  error
	mu         sync.Mutex
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type redisEvent struct {
	Kind     string          `json:"kind"`
	Rev      uint64          `json:"rev"`
	Snapshot *plant.Snapshot `json:"snapshot,omitempty"`
	Approval *plant.Approval `json:"approval,omitempty"`
}

const (
	eventSnapshot = "snapshot"
	eventApproval = "approval"
)

// putApprovalScript bumps the approval revision and overwrites the slot in
// one step, so the stored rev always matches the stored document.
var putApprovalScript = redis.NewScript(`
local rev = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], 'rev', rev, 'doc', ARGV[1])
return rev
`)

// NewRedisStore connects to Redis. It does not ping; callers should call
// Ping to fail fast on a bad address.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if prefix == "" {
		prefix = "kilnpilot"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership and closes it in Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		hub:    newHub(),
	}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// AddSnapshot stores r; the creation time comes from the Redis server clock
// and ordering from an INCR sequence.
func (r *RedisStore) AddSnapshot(ctx context.Context, reading plant.Reading) (plant.Snapshot, error) {
	snap, err := plant.NewSnapshot(reading)
	if err != nil {
		return plant.Snapshot{}, err
	}

	// MULTI/EXEC keeps seq and server time in the same order across
	// concurrent writers.
	var (
		seqCmd  *redis.IntCmd
		timeCmd *redis.TimeCmd
	)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		seqCmd = pipe.Incr(ctx, r.key("metrics", "seq"))
		timeCmd = pipe.Time(ctx)
		return nil
	})
	if err != nil {
		return plant.Snapshot{}, fmt.Errorf("redis allocate snapshot: %w", err)
	}
	seq, now := seqCmd.Val(), timeCmd.Val()

	snap.ID = uuid.NewString()
	snap.CreatedAt = now.UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return plant.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("metrics", "doc", snap.ID), data, 0)
		pipe.ZAdd(ctx, r.key("metrics", "index"), redis.Z{Score: float64(seq), Member: snap.ID})
		return nil
	})
	if err != nil {
		return plant.Snapshot{}, fmt.Errorf("redis store snapshot: %w", err)
	}

	r.publish(ctx, redisEvent{Kind: eventSnapshot, Rev: uint64(seq), Snapshot: &snap})
	return snap, nil
}

func (r *RedisStore) LatestSnapshot(ctx context.Context) (plant.Snapshot, bool, error) {
	snap, _, found, err := r.latest(ctx)
	return snap, found, err
}

// latest returns the newest snapshot together with its seq.
func (r *RedisStore) latest(ctx context.Context) (plant.Snapshot, uint64, bool, error) {
	top, err := r.client.ZRevRangeWithScores(ctx, r.key("metrics", "index"), 0, 0).Result()
	if err != nil {
		return plant.Snapshot{}, 0, false, fmt.Errorf("redis latest snapshot: %w", err)
	}
	if len(top) == 0 {
		return plant.Snapshot{}, 0, false, nil
	}
	id, _ := top[0].Member.(string)
	snap, found, err := r.GetSnapshot(ctx, id)
	if err != nil || !found {
		return plant.Snapshot{}, 0, false, err
	}
	return snap, uint64(top[0].Score), true, nil
}

func (r *RedisStore) GetSnapshot(ctx context.Context, id string) (plant.Snapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key("metrics", "doc", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return plant.Snapshot{}, false, nil
	}
	if err != nil {
		return plant.Snapshot{}, false, fmt.Errorf("redis get snapshot: %w", err)
	}

	var snap plant.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return plant.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func (r *RedisStore) ListSnapshots(ctx context.Context, limit int) ([]plant.Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, r.key("metrics", "index"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list snapshots: %w", err)
	}
	if len(ids) == 0 {
		return []plant.Snapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("metrics", "doc", id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget snapshots: %w", err)
	}

	out := make([]plant.Snapshot, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry without document
			continue
		}
		var snap plant.Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", ids[i], err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *RedisStore) SubscribeLatest(ctx context.Context, fn SnapshotHandler) (Subscription, error) {
	if err := r.listen(ctx); err != nil {
		return nil, err
	}

	sub := r.hub.addLatest(fn)
	snap, seq, found, err := r.latest(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.offer(snapshotEvent{snapshot: snap, found: found, rev: seq})
	return sub, nil
}

func (r *RedisStore) PutApproval(ctx context.Context, a plant.Approval) error {
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
	keys := []string{r.key("approvedSuggestions", "rev"), r.key("approvedSuggestions", string(a.Metric))}
	rev, err := putApprovalScript.Run(ctx, r.client, keys, data).Int64()
	if err != nil {
		return fmt.Errorf("redis put approval: %w", err)
	}

	r.publish(ctx, redisEvent{Kind: eventApproval, Rev: uint64(rev), Approval: &a})
	return nil
}

func (r *RedisStore) GetApproval(ctx context.Context, metric plant.MetricName) (plant.Approval, bool, error) {
	a, _, found, err := r.approval(ctx, metric)
	return a, found, err
}

// approval reads one slot together with the rev of the write that set it.
func (r *RedisStore) approval(ctx context.Context, metric plant.MetricName) (plant.Approval, uint64, bool, error) {
	if err := checkMetric(metric); err != nil {
		return plant.Approval{}, 0, false, err
	}
	vals, err := r.client.HMGet(ctx, r.key("approvedSuggestions", string(metric)), "rev", "doc").Result()
	if err != nil {
		return plant.Approval{}, 0, false, fmt.Errorf("redis get approval: %w", err)
	}
	revText, _ := vals[0].(string)
	doc, ok := vals[1].(string)
	if !ok {
		return plant.Approval{}, 0, false, nil
	}

	rev, err := strconv.ParseUint(revText, 10, 64)
	if err != nil {
		return plant.Approval{}, 0, false, fmt.Errorf("parse approval rev %q: %w", revText, err)
	}
	var a plant.Approval
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return plant.Approval{}, 0, false, fmt.Errorf("unmarshal approval: %w", err)
	}
	return a, rev, true, nil
}

func (r *RedisStore) ListApprovals(ctx context.Context) (map[plant.MetricName]plant.Approval, error) {
	out := make(map[plant.MetricName]plant.Approval, len(plant.Metrics))
	for _, m := range plant.Metrics {
		a, ok, err := r.GetApproval(ctx, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out[m] = a
		}
	}
	return out, nil
}

func (r *RedisStore) SubscribeApproval(ctx context.Context, metric plant.MetricName, fn ApprovalHandler) (Subscription, error) {
	if err := checkMetric(metric); err != nil {
		return nil, err
	}
	if err := r.listen(ctx); err != nil {
		return nil, err
	}

	sub := r.hub.addApproval(metric, fn)
	a, rev, found, err := r.approval(ctx, metric)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.offer(approvalEvent{approval: a, found: found, rev: rev})
	return sub, nil
}

// publish is best effort: the write already succeeded, and subscribers
// re-read current state when they (re)subscribe.
func (r *RedisStore) publish(ctx context.Context, ev redisEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	r.client.Publish(ctx, r.key("events"), data)
}

// listen starts the pub/sub loop on first use and waits until the
// subscription is confirmed, so no change after it is missed.
func (r *RedisStore) listen(ctx context.Context) error {
	r.listenOnce.Do(func() {
		ps := r.client.Subscribe(ctx, r.key("events"))
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			r.listenErr = fmt.Errorf("redis subscribe: %w", err)
			return
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.pubsub = ps
		r.cancel = cancel
		r.mu.Unlock()

		r.wg.Add(1)
		go r.dispatch(loopCtx, ps.Channel())
	})
	return r.listenErr
}

func (r *RedisStore) dispatch(ctx context.Context, ch <-chan *redis.Message) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			switch {
			case ev.Kind == eventSnapshot && ev.Snapshot != nil:
				r.hub.publishLatest(*ev.Snapshot, ev.Rev)
			case ev.Kind == eventApproval && ev.Approval != nil:
				r.hub.publishApproval(*ev.Approval, ev.Rev)
			}
		}
	}
}

// Close stops notifications and closes the client.
func (r *RedisStore) Close() error {
	r.hub.closeAll()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()

	return r.client.Close()
}
