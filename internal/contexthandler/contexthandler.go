// Package contexthandler implements C6: in-process subscribe/unsubscribe
// and per-subscriber delivery. Grounded on dlt_broker_handlers.py's
// DLTContextHandler: sole owner of the subscriber-id -> (queue, filters)
// map, connected to the dispatcher only via channels.
package contexthandler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlt-tools/dltbroker/internal/dispatcher"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/dltmetrics"
	"github.com/dlt-tools/dltbroker/internal/filterset"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// Queue is a subscriber's bounded delivery channel.
type Queue chan *dlttypes.Frame

const defaultQueueCapacity = 256

// pollInterval bounds how long the background loop can block on the
// messages channel before re-checking the stop flag (spec.md §5:
// "it polls rather than blocks indefinitely").
const pollInterval = 50 * time.Millisecond

type subscriber struct {
	queue   Queue
	filters *filterset.Set
}

// Handler owns the subscriber map and runs the delivery loop.
type Handler struct {
	mu     sync.Mutex
	subs   map[dispatcher.SubscriberID]*subscriber
	nextID atomic.Uint64

	filterControl chan<- dispatcher.FilterControlMsg
	messages      <-chan dispatcher.Delivery

	stopFlag atomic.Bool
	done     chan struct{}

	queueCapacity int
}

// Config bundles the channels shared with the dispatcher.
type Config struct {
	FilterControl chan<- dispatcher.FilterControlMsg
	Messages      <-chan dispatcher.Delivery
	QueueCapacity int // 0 means defaultQueueCapacity
}

func New(cfg Config) *Handler {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = defaultQueueCapacity
	}
	return &Handler{
		subs:          make(map[dispatcher.SubscriberID]*subscriber),
		filterControl: cfg.FilterControl,
		messages:      cfg.Messages,
		queueCapacity: cap,
		done:          make(chan struct{}),
	}
}

// Register inserts a new subscriber and publishes the corresponding add
// message to the dispatcher. An empty or nil filter set defaults to
// match-all, per spec.md §4.6.
func (h *Handler) Register(filters *filterset.Set, ackID string) (dispatcher.SubscriberID, Queue) {
	if filters == nil || filters.Len() == 0 {
		filters = filterset.New()
		filters.Add("", "")
	}

	id := dispatcher.SubscriberID(h.nextID.Add(1))
	q := make(Queue, h.queueCapacity)

	h.mu.Lock()
	h.subs[id] = &subscriber{queue: q, filters: filters}
	h.mu.Unlock()

	dltmetrics.SubscriberCount.Inc()
	h.filterControl <- dispatcher.FilterControlMsg{
		SubscriberID: id,
		Filters:      filters,
		Op:           dispatcher.OpAdd,
		AckID:        ackID,
	}
	return id, q
}

// Unregister removes a subscriber and publishes the corresponding remove
// message.
func (h *Handler) Unregister(id dispatcher.SubscriberID, ackID string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	dltmetrics.SubscriberCount.Dec()
	h.filterControl <- dispatcher.FilterControlMsg{
		SubscriberID: id,
		Filters:      sub.filters,
		Op:           dispatcher.OpRemove,
		AckID:        ackID,
	}
}

// Snapshot returns the currently registered subscriber ids and their
// filter sets, for the status HTTP surface (C11).
func (h *Handler) Snapshot() map[dispatcher.SubscriberID][]filterset.Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[dispatcher.SubscriberID][]filterset.Pair, len(h.subs))
	for id, sub := range h.subs {
		out[id] = sub.filters.Iter()
	}
	return out
}

// Loop drains the shared messages channel and delivers each frame to its
// subscriber's queue, blocking on a full queue (preserve-all policy,
// spec.md §5) rather than dropping. Intended to run in its own goroutine.
func (h *Handler) Loop() {
	defer close(h.done)
	for {
		if h.stopFlag.Load() {
			return
		}
		select {
		case d, ok := <-h.messages:
			if !ok {
				return
			}
			h.mu.Lock()
			sub, exists := h.subs[d.SubscriberID]
			h.mu.Unlock()
			if !exists {
				// Unregistered between enqueue and delivery: drop.
				continue
			}
			select {
			case sub.queue <- d.Frame:
			default:
				dltmetrics.FullQueueEvents.Inc()
				dltlog.Warnf("contexthandler: subscriber %d queue full, blocking", d.SubscriberID)
				sub.queue <- d.Frame
			}
		case <-time.After(pollInterval):
		}
	}
}

// Stop signals the loop to exit at its next stop-flag check.
func (h *Handler) Stop() {
	h.stopFlag.Store(true)
}

// Wait blocks until Loop has returned.
func (h *Handler) Wait() {
	<-h.done
}
