package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Envelope is a frame travelling between relay connections of one room. Origin is the
// connection id the frame arrived on so it is never echoed back there.
type Envelope struct {
	Room   string `json:"room"`
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// Broker fans frames out to every subscriber of a room, possibly across relay instances.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every envelope published to room until cancel is called.
	Subscribe(ctx context.Context, room string) (<-chan Envelope, func(), error)
	Close() error
}

const subscriberBuffer = 256

// MemoryBroker delivers within a single process.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Envelope
	nextID int
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]chan Envelope)}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	for _, ch := range b.subs[env.Room] {
		select {
		case ch <- env:
		default:
			slog.Warn("dropping frame for slow subscriber", "room", env.Room)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, room string) (<-chan Envelope, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("broker closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, subscriberBuffer)
	if b.subs[room] == nil {
		b.subs[room] = make(map[int]chan Envelope)
	}
	b.subs[room][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[room][id]; ok {
				delete(b.subs[room], id)
				if len(b.subs[room]) == 0 {
					delete(b.subs, room)
				}
				close(c)
			}
		})
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for room, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, room)
	}
	return nil
}

// RedisBroker publishes envelopes on one redis channel per room so several relays can serve
// the same room.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBroker{rdb: rdb}, nil
}

func channelName(room string) string {
	return "boardsync:room:" + room
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelName(env.Room), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string) (<-chan Envelope, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelName(room))
	// wait for the subscription to be confirmed so nothing published after this returns is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	out := make(chan Envelope, subscriberBuffer)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Warn("dropping undecodable envelope", "room", room, "err", err)
					continue
				}
				select {
				case out <- env:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				slog.Warn("failed to close subscription", "room", room, "err", err)
			}
			<-stopped
		})
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
