// Package eventbus implements the Event Bus: a live pub/sub channel with a
// historical JSONL side-effect. It is not a replay log — the live channel
// and the historical archive are two different views over the same
// accepted-event stream, built by an ordered chain of pure validators.
package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironmark/pipelinectl/internal/cache"
	"github.com/ironmark/pipelinectl/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidEvent names the required-run_id validator's failure case (an
// empty run_id rewritten to __system__ is not a failure; a literal
// "unknown" run_id is). Publish returns nothing: it logs and drops such an
// event, so this error is not returned by Publish.
var ErrInvalidEvent = errors.New("eventbus: invalid event")

// ErrTooManySubscribers is returned by Subscribe once the configured
// subscriber cap is reached.
var ErrTooManySubscribers = errors.New("eventbus: too many subscribers")

// subscriberQueueCap is the bounded capacity of each subscriber's channel.
const subscriberQueueCap = 100

// Config configures an EventBus.
type Config struct {
	EventLogsDir    string
	RingBufferSize  int
	MaxSubscribers  int
	LiveEventWindow time.Duration
	RotateSize      int64
}

// EventBus is the live channel + historical archive for pipeline events.
type EventBus struct {
	cfg Config

	ringMu sync.Mutex
	ring   []domain.Event

	subMu       sync.Mutex
	subscribers map[uint64]chan domain.Event
	nextSubID   uint64

	jsonlMu sync.Mutex

	snapshotCache *cache.Cache[string, snapshotEntry]
	sf            singleflight.Group
}

// snapshotEntry carries only the scan result — its expiration is owned by
// snapshotCache itself via SetWithTTL, keyed per-call on the caller's own
// requested ttl rather than one fixed expiration for every entry.
type snapshotEntry struct {
	events []domain.Event
}

// New constructs an EventBus. The event-logs directory (and its archive/
// subdirectory) are created lazily on first write.
func New(cfg Config) *EventBus {
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 1000
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = 100
	}
	if cfg.LiveEventWindow <= 0 {
		cfg.LiveEventWindow = 15 * time.Minute
	}
	if cfg.RotateSize <= 0 {
		cfg.RotateSize = 100 * 1024 * 1024
	}
	return &EventBus{
		cfg:           cfg,
		subscribers:   make(map[uint64]chan domain.Event),
		snapshotCache: cache.New[string, snapshotEntry](cache.Options{TTL: time.Hour, MaxEntries: 64}),
	}
}

// Publish validates and routes an event through the filter chain:
// require/normalize run_id, default timestamp, live-window, allow-list.
// The publisher never panics or returns an error to its caller for
// downstream (JSONL, subscriber) failures — those are logged and
// swallowed. Publish itself never blocks.
func (eb *EventBus) Publish(event domain.Event) {
	event, ok := normalizeRunID(event)
	if !ok {
		slog.Warn("eventbus: dropping event with invalid run_id", "run_id", event.RunID)
		return
	}
	event = defaultTimestamp(event)

	liveEligible := event.Stage == domain.StageScheduler || time.Since(event.Timestamp) < eb.cfg.LiveEventWindow
	allowListed := isAllowListed(event)

	eb.writeJSONL(event)

	if !liveEligible || !allowListed {
		return
	}

	eb.appendRing(event)
	eb.broadcast(event)
}

// normalizeRunID implements validator (1): an empty run_id is rewritten to
// the system sentinel; the literal "unknown" is rejected outright.
func normalizeRunID(event domain.Event) (domain.Event, bool) {
	if event.RunID == "unknown" {
		return event, false
	}
	if event.RunID == "" {
		event.RunID = domain.SystemRunID
	}
	return event, true
}

// defaultTimestamp implements validator (2).
func defaultTimestamp(event domain.Event) domain.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = domain.Now()
	}
	return event
}

// liveStartSuccessFailed is the set of events carrying stage lifecycle
// semantics that are always live-eligible for the allow-listed stages.
var liveStartSuccessFailed = map[string]bool{
	domain.EvStart: true, domain.EvSuccess: true, domain.EvFailed: true,
}

var liveLifecycleStages = map[string]bool{
	domain.StagePipeline: true, domain.StageScheduler: true,
	string(domain.StageTranslator): true, string(domain.StageAnalyzer): true, string(domain.StageMerger): true,
}

// isAllowListed implements validator (4): the fixed allow-list of
// (stage, event) pairs permitted onto the live channel.
func isAllowListed(event domain.Event) bool {
	if event.Stage == domain.StageScheduler {
		return true
	}
	if event.Stage == domain.StagePipeline && event.Event == domain.EvStateChange {
		return true
	}
	if event.Event == domain.EvError {
		return true
	}
	if liveLifecycleStages[event.Stage] && liveStartSuccessFailed[event.Event] {
		return true
	}
	return false
}

// appendRing adds event to the bounded ring buffer, evicting the oldest
// entry once RingBufferSize is reached.
func (eb *EventBus) appendRing(event domain.Event) {
	eb.ringMu.Lock()
	defer eb.ringMu.Unlock()
	eb.ring = append(eb.ring, event)
	if len(eb.ring) > eb.cfg.RingBufferSize {
		eb.ring = eb.ring[len(eb.ring)-eb.cfg.RingBufferSize:]
	}
}

// GetRecentEvents returns up to limit most recent ring entries.
func (eb *EventBus) GetRecentEvents(limit int) []domain.Event {
	eb.ringMu.Lock()
	defer eb.ringMu.Unlock()
	if limit <= 0 || limit > len(eb.ring) {
		limit = len(eb.ring)
	}
	out := make([]domain.Event, limit)
	copy(out, eb.ring[len(eb.ring)-limit:])
	return out
}

func (eb *EventBus) ringSnapshot() []domain.Event {
	eb.ringMu.Lock()
	defer eb.ringMu.Unlock()
	out := make([]domain.Event, len(eb.ring))
	copy(out, eb.ring)
	return out
}

// Subscription is a live view onto the Event Bus, bound to one subscriber
// queue. Callers must call Close when done to reclaim the slot.
type Subscription struct {
	id uint64
	ch chan domain.Event
	eb *EventBus
}

// Events returns the channel new (and backlog) events arrive on.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Close removes this subscription from the bus.
func (s *Subscription) Close() {
	s.eb.removeSubscriber(s.id)
}

// Subscribe registers a new bounded subscriber queue, pre-loaded with the
// current ring snapshot (best-effort — if the snapshot is larger than the
// queue capacity, only as many as fit are delivered; the rest are not
// replayed, matching a bounded "most recent" semantics over an unbounded
// replay).
func (eb *EventBus) Subscribe() (*Subscription, error) {
	eb.subMu.Lock()
	if len(eb.subscribers) >= eb.cfg.MaxSubscribers {
		eb.subMu.Unlock()
		return nil, ErrTooManySubscribers
	}
	id := atomic.AddUint64(&eb.nextSubID, 1)
	ch := make(chan domain.Event, subscriberQueueCap)
	eb.subscribers[id] = ch
	eb.subMu.Unlock()

	backlog := eb.ringSnapshot()
	if len(backlog) > subscriberQueueCap {
		backlog = backlog[len(backlog)-subscriberQueueCap:]
	}
seed:
	for _, event := range backlog {
		select {
		case ch <- event:
		default:
			// Queue full from the backlog alone — stop seeding, let the
			// subscriber catch up on live events from here.
			break seed
		}
	}

	return &Subscription{id: id, ch: ch, eb: eb}, nil
}

func (eb *EventBus) removeSubscriber(id uint64) {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()
	if ch, ok := eb.subscribers[id]; ok {
		delete(eb.subscribers, id)
		close(ch)
	}
}

// broadcast fans event out to every live subscriber queue. A full queue has
// its oldest entry dropped to make room; a queue that still can't accept
// the event is torn down — the publisher must never be backpressured by a
// slow subscriber.
func (eb *EventBus) broadcast(event domain.Event) {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()

	var dead []uint64
	for id, ch := range eb.subscribers {
		select {
		case ch <- event:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		select {
		case ch <- event:
		default:
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		if ch, ok := eb.subscribers[id]; ok {
			delete(eb.subscribers, id)
			close(ch)
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.subMu.Lock()
	defer eb.subMu.Unlock()
	return len(eb.subscribers)
}
