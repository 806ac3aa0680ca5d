package storage

import (
	"sync"

	"github.com/HatiCode/kilnpilot/pkg/plant"
)

// subscription delivers values to a callback on its own goroutine.
// At most one undelivered value is kept; a newer value replaces it.
type subscription[T any] struct {
	deliver func(T)
	isStale func(last, next T) bool

	mu      sync.Mutex
	last    T
	seen    bool
	pending chan T

	done   chan struct{}
	once   sync.Once
	onStop func()
}

func newSubscription[T any](deliver func(T), isStale func(last, next T) bool) *subscription[T] {
	s := &subscription[T]{
		deliver: deliver,
		isStale: isStale,
		pending: make(chan T, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.pending:
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(v)
		}
	}
}

// offer queues v without blocking. Values older than the last offered one
// are dropped.
func (s *subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	if s.seen && s.isStale != nil && s.isStale(s.last, v) {
		return
	}
	s.last, s.seen = v, true

	select {
	case s.pending <- v:
	default:
		// Only offer sends, under mu, so after draining there is room.
		select {
		case <-s.pending:
		default:
		}
		s.pending <- v
	}
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// Events carry the store-assigned revision of the write that produced them.
// Revisions only grow, so they order changes even when the timestamps inside
// the values do not (approval times come from the caller's clock).
type snapshotEvent struct {
	snapshot plant.Snapshot
	found    bool
	rev      uint64
}

type approvalEvent struct {
	approval plant.Approval
	found    bool
	rev      uint64
}

// A value never reverts to "not found", so an empty read racing a change
// notification is stale too. An equal revision is the same write seen twice,
// once by the initial read and once by the change feed.
func snapshotStale(last, next snapshotEvent) bool {
	if !last.found {
		return false
	}
	return !next.found || next.rev <= last.rev
}

func approvalStale(last, next approvalEvent) bool {
	if !last.found {
		return false
	}
	return !next.found || next.rev <= last.rev
}

// hub fans store changes out to subscriptions. Backends feed it from
// whatever change source they have.
type hub struct {
	mu        sync.Mutex
	latest    map[*subscription[snapshotEvent]]struct{}
	approvals map[plant.MetricName]map[*subscription[approvalEvent]]struct{}
}

func newHub() *hub {
	return &hub{
		latest:    make(map[*subscription[snapshotEvent]]struct{}),
		approvals: make(map[plant.MetricName]map[*subscription[approvalEvent]]struct{}),
	}
}

func (h *hub) addLatest(fn SnapshotHandler) *subscription[snapshotEvent] {
	sub := newSubscription(func(ev snapshotEvent) { fn(ev.snapshot, ev.found) }, snapshotStale)
	sub.onStop = func() {
		h.mu.Lock()
		delete(h.latest, sub)
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.latest[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) addApproval(metric plant.MetricName, fn ApprovalHandler) *subscription[approvalEvent] {
	sub := newSubscription(func(ev approvalEvent) { fn(ev.approval, ev.found) }, approvalStale)
	sub.onStop = func() {
		h.mu.Lock()
		delete(h.approvals[metric], sub)
		h.mu.Unlock()
	}

	h.mu.Lock()
	if h.approvals[metric] == nil {
		h.approvals[metric] = make(map[*subscription[approvalEvent]]struct{})
	}
	h.approvals[metric][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) publishLatest(s plant.Snapshot, rev uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.latest {
		sub.offer(snapshotEvent{snapshot: s, found: true, rev: rev})
	}
}

func (h *hub) publishApproval(a plant.Approval, rev uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.approvals[a.Metric] {
		sub.offer(approvalEvent{approval: a, found: true, rev: rev})
	}
}

// closeAll unsubscribes everything still registered.
func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]Subscription, 0, len(h.latest))
	for sub := range h.latest {
		subs = append(subs, sub)
	}
	for _, set := range h.approvals {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
