// Package eventbus implements the Real-Time Event Bus (C11): room-scoped
// push of state deltas to dashboard subscribers. Every other component
// (deployment, pipeline, orchestration) publishes through the narrow
// Publish(room, event, payload) seam; this package is the one concrete
// implementation of that seam.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/festion/homelab-gitops-auditor/internal/platform"
)

const defaultBufferSize = 256

// Message is one event delivered to room subscribers.
type Message struct {
	Room      string    `json:"room"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the Bus instance that first published this message,
	// so a process that receives its own publish echoed back over Redis
	// pub/sub can discard it instead of delivering it twice.
	Origin string `json:"origin"`
}

type subscriber struct {
	ch      chan Message
	dropped atomic.Int64
}

type room struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
}

func newRoom() *room {
	return &room{subscribers: make(map[string]*subscriber)}
}

func (r *room) add(id string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[id] = sub
}

func (r *room) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
}

// broadcast delivers msg to every subscriber. A subscriber whose buffer is
// full has its oldest queued message dropped to make room, and a
// "dropped" marker carrying the running drop count queued in its place, so
// a client that falls behind can see the gap and resync rather than
// silently missing events, per the bus's resync contract.
func (r *room) broadcast(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
			default:
			}
			count := sub.dropped.Add(1)
			dropMsg := Message{
				Room:      msg.Room,
				Event:     "dropped",
				Payload:   count,
				Timestamp: msg.Timestamp,
				Origin:    msg.Origin,
			}
			select {
			case sub.ch <- dropMsg:
			default:
			}
		}
	}
}

func (r *room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers) == 0
}

// Bus is the in-process room registry, optionally mirrored across API
// server processes via Redis pub/sub.
type Bus struct {
	id     string
	redis  *redis.Client
	clock  platform.Clock
	ids    platform.IDGenerator
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room

	wg sync.WaitGroup
}

// NewBus builds a Bus. redisClient may be nil for a single-process
// deployment, in which case publishes stay local to this process.
func NewBus(redisClient *redis.Client, clock platform.Clock, ids platform.IDGenerator, logger *slog.Logger) *Bus {
	return &Bus{
		id:     ids.NewID(),
		redis:  redisClient,
		clock:  clock,
		ids:    ids,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

// Start begins consuming the cross-process Redis fan-out, if configured. It
// returns immediately; call Wait (after cancelling ctx) to drain.
func (b *Bus) Start(ctx context.Context) {
	if b.redis == nil {
		return
	}
	b.wg.Add(1)
	go b.relay(ctx)
}

// Wait blocks until the Redis relay goroutine has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// relay subscribes to every room's Redis channel via a pattern subscription
// and fans inbound messages from other processes into local rooms. Grounded
// on the same Redis pub/sub pattern used elsewhere for alert acknowledgement
// (escalation.Engine.Run subscribing via rdb.Subscribe and draining
// pubsub.Channel()), adapted to a pattern subscription since rooms here are
// dynamic rather than one fixed channel name.
func (b *Bus) relay(ctx context.Context) {
	defer b.wg.Done()

	pubsub := b.redis.PSubscribe(ctx, redisChannelPattern)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("discarding malformed event bus message from redis", "error", err)
				continue
			}
			if msg.Origin == b.id {
				continue
			}
			b.publishLocal(msg)
		}
	}
}

// Publish implements the eventPublisher seam every other component depends
// on: Publish(room, event, payload). It never returns an error or blocks on
// a slow subscriber — delivery is best-effort.
func (b *Bus) Publish(room string, event string, payload any) {
	msg := Message{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: b.clock.Now(),
		Origin:    b.id,
	}
	b.publishLocal(msg)

	if b.redis == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to marshal event bus message for redis relay", "error", err)
		return
	}
	if err := b.redis.Publish(context.Background(), redisChannel(room), data).Err(); err != nil {
		b.logger.Warn("failed to publish event bus message to redis", "room", room, "error", err)
	}
}

func (b *Bus) publishLocal(msg Message) {
	b.mu.RLock()
	r, ok := b.rooms[msg.Room]
	b.mu.RUnlock()
	if !ok {
		return
	}
	r.broadcast(msg)
}

// Subscription is a live room subscription. Events arrives in publish
// order; Dropped reports how many messages were discarded because the
// subscriber fell behind.
type Subscription struct {
	bus  *Bus
	room string
	id   string
	sub  *subscriber
}

// Events returns the channel of delivered messages.
func (s *Subscription) Events() <-chan Message {
	return s.sub.ch
}

// Dropped reports the number of messages dropped for this subscriber so
// far because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.sub.dropped.Load()
}

// Close removes the subscription from its room. The underlying channel is
// never closed, since broadcast may still hold a reference concurrently;
// it is simply abandoned once unreachable.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	r, ok := s.bus.rooms[s.room]
	if !ok {
		return
	}
	r.remove(s.id)
	if r.empty() {
		delete(s.bus.rooms, s.room)
	}
}

// Subscribe joins room, creating it if this is its first subscriber.
func (b *Bus) Subscribe(roomName string) *Subscription {
	b.mu.Lock()
	r, ok := b.rooms[roomName]
	if !ok {
		r = newRoom()
		b.rooms[roomName] = r
	}
	b.mu.Unlock()

	sub := &subscriber{ch: make(chan Message, defaultBufferSize)}
	id := b.ids.NewID()
	r.add(id, sub)
	return &Subscription{bus: b, room: roomName, id: id, sub: sub}
}

const redisChannelPattern = "eventbus:*"

func redisChannel(room string) string {
	return "eventbus:" + room
}
