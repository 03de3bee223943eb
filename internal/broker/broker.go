// Package broker wraps Redis pub/sub into a per-room publish/subscribe
// primitive, generalizing the teacher's single-channel SSEHub broker into
// the N-room fan-out the bus and live-map stream both build on.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/internal/models"
)

const channelPrefix = "crisisline:room:"

// Broker publishes BusEnvelopes to Redis channels named by room, and lets
// callers subscribe to one or more rooms across process boundaries so a
// websocket hub and an SSE stream on different processes both see the same
// events.
type Broker struct {
	rdb    *redis.Client
	logger *log.Logger
}

func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb, logger: log.Default()}
}

func (b *Broker) SetLogger(l *log.Logger) {
	if l != nil {
		b.logger = l
	}
}

func roomChannel(room models.Room) string {
	return channelPrefix + string(room)
}

// Publish serializes env and publishes it to env.Room's Redis channel.
func (b *Broker) Publish(ctx context.Context, env models.BusEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, roomChannel(env.Room), data).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", env.Room, err)
	}
	return nil
}

// Subscription wraps a redis.PubSub limited to one room, exposing a typed
// channel of decoded envelopes.
type Subscription struct {
	ps  *redis.PubSub
	out chan models.BusEnvelope
}

// Subscribe opens a subscription to room and begins decoding incoming
// messages onto the returned channel; callers must call Close when done.
func (b *Broker) Subscribe(ctx context.Context, room models.Room) *Subscription {
	ps := b.rdb.Subscribe(ctx, roomChannel(room))
	sub := &Subscription{ps: ps, out: make(chan models.BusEnvelope, 64)}

	go func() {
		defer close(sub.out)
		ch := ps.Channel()
		for msg := range ch {
			var env models.BusEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Printf("broker: dropping malformed envelope on %s: %v", room, err)
				continue
			}
			select {
			case sub.out <- env:
			default:
				b.logger.Printf("broker: subscriber channel full for room %s, dropping envelope", room)
			}
		}
	}()

	return sub
}

// Envelopes returns the channel of decoded envelopes for this subscription.
func (s *Subscription) Envelopes() <-chan models.BusEnvelope {
	return s.out
}

// Close unsubscribes and releases the underlying Redis pub/sub connection.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
