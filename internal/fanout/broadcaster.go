package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/store"
)

// Sink receives every envelope published for a room this process is
// subscribed to, including envelopes this process published itself.
type Sink interface {
	Dispatch(env Envelope)
}

// Broadcaster publishes envelopes and maintains one subscriber
// connection for the process, subscribing per room while local
// connections exist there.
type Broadcaster struct {
	client *redis.Client
	origin string

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[domain.RoomID]int
	sink   Sink
}

func NewBroadcaster(client *redis.Client, origin string) *Broadcaster {
	return &Broadcaster{
		client: client,
		origin: origin,
		refs:   make(map[domain.RoomID]int),
	}
}

// SetSink must be called before Run. Split from the constructor because
// the transport layer that implements Sink is built after the
// broadcaster.
func (b *Broadcaster) SetSink(sink Sink) { b.sink = sink }

// Publish fans an event out to every process subscribed to the room.
func (b *Broadcaster) Publish(ctx context.Context, roomID domain.RoomID, event string, target domain.MemberID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fanout: marshal payload for %s: %w", event, err)
	}
	env := Envelope{
		Event:   event,
		Room:    roomID,
		Target:  target,
		Origin:  b.origin,
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout: marshal envelope for %s: %w", event, err)
	}
	if err := b.client.Publish(ctx, store.EventChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("fanout: publish %s to %s: %w", event, roomID, err)
	}
	return nil
}

// Subscribe registers local interest in a room. The first reference
// subscribes the process to the room's channel.
func (b *Broadcaster) Subscribe(ctx context.Context, roomID domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[roomID]++
	if b.refs[roomID] > 1 || b.pubsub == nil {
		return
	}
	if err := b.pubsub.Subscribe(ctx, store.EventChannel(roomID)); err != nil {
		log.Error().Err(err).Str("module", "fanout").Str("room", string(roomID)).Msg("subscribe failed")
	}
}

// Unsubscribe drops one reference; the last one unsubscribes the channel.
func (b *Broadcaster) Unsubscribe(ctx context.Context, roomID domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs[roomID] == 0 {
		return
	}
	b.refs[roomID]--
	if b.refs[roomID] > 0 {
		return
	}
	delete(b.refs, roomID)
	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Unsubscribe(ctx, store.EventChannel(roomID)); err != nil {
		log.Error().Err(err).Str("module", "fanout").Str("room", string(roomID)).Msg("unsubscribe failed")
	}
}

// Run owns the subscriber connection until ctx is cancelled. Dispatch
// happens on this goroutine; sinks must not block.
func (b *Broadcaster) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx)
	b.mu.Lock()
	b.pubsub = pubsub
	// Channels referenced before Run started.
	for roomID := range b.refs {
		if err := pubsub.Subscribe(ctx, store.EventChannel(roomID)); err != nil {
			log.Error().Err(err).Str("module", "fanout").Str("room", string(roomID)).Msg("subscribe failed")
		}
	}
	b.mu.Unlock()

	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	log.Info().Str("module", "fanout").Str("origin", b.origin).Msg("broadcaster running")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "fanout").Msg("broadcaster stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				log.Warn().Str("module", "fanout").Msg("pubsub channel closed")
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Str("module", "fanout").Str("channel", msg.Channel).Msg("bad envelope")
				continue
			}
			if b.sink != nil {
				b.sink.Dispatch(env)
			}
		}
	}
}
