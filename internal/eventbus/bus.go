// Package eventbus assigns monotonic sequence numbers to mutations,
// persists them through a narrow store interface, and fans them out to
// live subscribers (SSE connections, webhook delivery) without letting a
// slow subscriber delay anyone else.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agentation/broker/pkg/types"
)

// subscriberBuffer is the size of each subscriber's outgoing channel.
// A subscriber that can't keep up is dropped rather than allowed to
// slow down delivery to everyone else.
const subscriberBuffer = 64

// PublishTopic is the watermill topic every event is also published to.
// Nothing in this package currently consumes it directly, but it keeps
// the bus wired to watermill's routing/middleware machinery the way the
// broker's other goroutines are expected to grow into, rather than
// reaching for the library only to let it sit unused.
const PublishTopic = "broker.events"

// EventStore is the slice of store.Store the bus needs: durable
// append-only persistence of the events it assigns sequence numbers to.
// Defined locally (rather than imported from internal/store) so the bus
// has no compile-time dependency on the store package; any Store
// implementation satisfies this structurally.
type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	GetEventsSince(ctx context.Context, sessionID string, lastSequence uint64, limit int) ([]types.Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type subscriber struct {
	id        uint64
	sessionID string // "" means global (all sessions)
	ch        chan types.Event
}

// Bus assigns sequence numbers, persists events through an EventStore,
// and fans them out to subscribers.
type Bus struct {
	mu sync.Mutex

	store   EventStore
	pubsub  *gochannel.GoChannel
	nextSeq uint64

	subscribers map[uint64]*subscriber
	nextSubID   uint64

	sweeperCancel context.CancelFunc
}

// New creates a Bus backed by store for durable persistence.
func New(store EventStore) *Bus {
	return &Bus{
		store: store,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
		subscribers: make(map[uint64]*subscriber),
	}
}

// Publish assigns the next sequence number, persists the event, and
// fans it out to matching live subscribers. It does not return until
// the event has been durably appended, so a subsequent GET or SSE
// replay is guaranteed to see it.
func (b *Bus) Publish(ctx context.Context, evType types.EventType, sessionID string, payload any) (types.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	ev := types.Event{
		Type:      evType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Sequence:  b.nextSeq,
		Payload:   payload,
	}

	if err := b.store.AppendEvent(ctx, ev); err != nil {
		b.nextSeq--
		return types.Event{}, err
	}

	b.fanOutLocked(ev)
	b.publishWatermillLocked(ev)

	return ev, nil
}

// fanOutLocked delivers ev to every subscriber whose filter matches. A
// subscriber whose channel is full is dropped: the client reconnects
// with its last received sequence to trigger replay rather than stall
// the bus.
func (b *Bus) fanOutLocked(ev types.Event) {
	for id, sub := range b.subscribers {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}

func (b *Bus) publishWatermillLocked(ev types.Event) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = b.pubsub.Publish(PublishTopic, message.NewMessage(watermill.NewUUID(), encoded))
}

// SubscribeSession returns a channel receiving events for sessionID
// only, and a cancel function that unsubscribes and closes the channel.
func (b *Bus) SubscribeSession(sessionID string) (<-chan types.Event, func()) {
	return b.subscribe(sessionID)
}

// SubscribeAll returns a channel receiving every event regardless of
// session, and a cancel function.
func (b *Bus) SubscribeAll() (<-chan types.Event, func()) {
	return b.subscribe("")
}

func (b *Bus) subscribe(sessionID string) (<-chan types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{id: id, sessionID: sessionID, ch: make(chan types.Event, subscriberBuffer)}
	b.subscribers[id] = sub

	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Replay returns events for sessionID (or all sessions, if sessionID is
// "") with sequence strictly greater than lastSequence, in order. Used
// to satisfy a Last-Event-ID reconnect before switching to live events.
func (b *Bus) Replay(ctx context.Context, sessionID string, lastSequence uint64) ([]types.Event, error) {
	return b.store.GetEventsSince(ctx, sessionID, lastSequence, 0)
}

// StartRetentionSweeper runs a background loop that deletes events
// older than retentionDays at the given interval (spec requires at
// least once per hour) until ctx is cancelled.
func (b *Bus) StartRetentionSweeper(ctx context.Context, retentionDays int, interval time.Duration) {
	sweepCtx, cancel := context.WithCancel(ctx)
	b.sweeperCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				b.store.DeleteEventsBefore(sweepCtx, cutoff)
			}
		}
	}()
}

// Close stops the retention sweeper, closes every live subscriber
// channel, and shuts down the watermill substrate.
func (b *Bus) Close() error {
	if b.sweeperCancel != nil {
		b.sweeperCancel()
	}

	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	return b.pubsub.Close()
}
