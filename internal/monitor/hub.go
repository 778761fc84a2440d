package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	"go.uber.org/zap"
)

const (
	EventSnapshot       = "snapshot"
	EventViolationAlert = "violationAlert"
	EventError          = "error"
)

type Event struct {
	Type    string       `json:"type"`
	ExamID  snowflake.ID `json:"exam_id,omitempty"`
	At      time.Time    `json:"at"`
	Payload any          `json:"payload,omitempty"`
}

// SnapshotFunc produces the current aggregate for one exam (or the whole
// org when examID is zero).
type SnapshotFunc func(ctx context.Context, examID snowflake.ID) (*Snapshot, error)

type subKey struct {
	subscriber string
	orgID      snowflake.ID
	examID     snowflake.ID
}

type subscription struct {
	ch     chan Event
	cancel context.CancelFunc
	closed bool
}

// Hub fans aggregate snapshots out to live subscribers. Each (subscriber,
// exam) pair owns exactly one timer: resubscribing replaces the previous
// subscription, and removal always cancels the timer first, so no goroutine
// outlives its subscription.
type Hub struct {
	mu   sync.Mutex
	subs map[subKey]*subscription

	snapshot       SnapshotFunc
	clock          clock.Clock
	log            *zap.Logger
	examInterval   time.Duration
	globalInterval time.Duration
}

func NewHub(snapshot SnapshotFunc, clk clock.Clock, log *zap.Logger, examInterval, globalInterval time.Duration) *Hub {
	if examInterval <= 0 {
		examInterval = 5 * time.Second
	}
	if globalInterval <= 0 {
		globalInterval = 10 * time.Second
	}
	return &Hub{
		subs:           make(map[subKey]*subscription),
		snapshot:       snapshot,
		clock:          clk,
		log:            log.Named("monitor.hub"),
		examInterval:   examInterval,
		globalInterval: globalInterval,
	}
}

// Subscribe registers a periodic snapshot stream for the pair. The
// subscription is bound to the subscriber's org: published events never
// cross it. interval <= 0 selects the default for the scope. The returned
// cancel func is safe to call more than once.
func (h *Hub) Subscribe(ctx context.Context, subscriberID string, orgID, examID snowflake.ID, interval time.Duration) (<-chan Event, func()) {
	if interval <= 0 {
		if examID == 0 {
			interval = h.globalInterval
		} else {
			interval = h.examInterval
		}
	}

	key := subKey{subscriber: subscriberID, orgID: orgID, examID: examID}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan Event, 16),
		cancel: cancel,
	}

	h.mu.Lock()
	if prev, ok := h.subs[key]; ok {
		h.teardownLocked(key, prev)
	}
	h.subs[key] = sub
	h.mu.Unlock()

	go h.run(runCtx, key, sub, interval)

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.subs[key]; ok && cur == sub {
			h.teardownLocked(key, cur)
		}
	}
}

// teardownLocked cancels the subscription's timer before removing it; the
// run goroutine may still be mid-aggregation, so the channel is closed here
// under the lock where no deliver can race it.
func (h *Hub) teardownLocked(key subKey, sub *subscription) {
	sub.cancel()
	delete(h.subs, key)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (h *Hub) run(ctx context.Context, key subKey, sub *subscription, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.emit(ctx, key, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.emit(ctx, key, sub)
		}
	}
}

func (h *Hub) emit(ctx context.Context, key subKey, sub *subscription) {
	snap, err := h.snapshot(ctx, key.examID)
	if err != nil {
		// Aggregation failures reach only this subscriber.
		h.log.Warn("snapshot failed",
			zap.String("subscriber", key.subscriber),
			zap.Int64("exam_id", int64(key.examID)),
			zap.Error(err))
		h.deliver(key, sub, Event{
			Type:    EventError,
			ExamID:  key.examID,
			At:      h.clock.Now(),
			Payload: map[string]string{"message": "snapshot unavailable"},
		})
		return
	}
	h.deliver(key, sub, Event{
		Type:    EventSnapshot,
		ExamID:  key.examID,
		At:      h.clock.Now(),
		Payload: snap,
	})
}

// deliver sends under the lock so a concurrent teardown can never close the
// channel mid-send. Slow consumers drop events rather than stall the hub.
func (h *Hub) deliver(key subKey, sub *subscription, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[key]; !ok || cur != sub || sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// Publish pushes an ad-hoc event to every subscriber of the owning org
// watching the exam, including that org's org-wide subscribers.
func (h *Hub) Publish(orgID, examID snowflake.ID, ev Event) {
	if ev.At.IsZero() {
		ev.At = h.clock.Now()
	}
	ev.ExamID = examID

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, sub := range h.subs {
		if key.orgID != orgID {
			continue
		}
		if key.examID != examID && key.examID != 0 {
			continue
		}
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount is test instrumentation.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
