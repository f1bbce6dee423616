// Package connection tracks live client connections across instances and
// fans messages out to them through a relay.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayVersion     = 1
	broadcastChannel = "relay:broadcast"
	instancePrefix   = "relay:instance:"
)

// Frame is the versioned envelope carried between instances. Target is the
// user id for personal delivery and zero for broadcasts.
type Frame struct {
	V       int             `json:"v"`
	Source  string          `json:"source"`
	Target  int64           `json:"target,omitempty"`
	Message json.RawMessage `json:"message"`
}

// Relay moves frames between instances. Publishing to an instance channel
// reaches exactly that instance; broadcast reaches every subscriber.
type Relay interface {
	PublishTo(ctx context.Context, instanceID string, frame Frame) error
	Broadcast(ctx context.Context, frame Frame) error

	// Subscribe delivers frames addressed to instanceID plus broadcast
	// frames until ctx is done.
	Subscribe(ctx context.Context, instanceID string, fn func(Frame)) error
}

type redisRelay struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisRelay builds a Relay on Redis pub/sub channels.
func NewRedisRelay(client *redis.Client, log *zap.Logger) Relay {
	return &redisRelay{client: client, log: log.Named("connection.relay")}
}

func (r *redisRelay) PublishTo(ctx context.Context, instanceID string, frame Frame) error {
	return r.publish(ctx, instancePrefix+instanceID, frame)
}

func (r *redisRelay) Broadcast(ctx context.Context, frame Frame) error {
	return r.publish(ctx, broadcastChannel, frame)
}

func (r *redisRelay) publish(ctx context.Context, channel string, frame Frame) error {
	frame.V = relayVersion
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}
	return r.client.Publish(ctx, channel, raw).Err()
}

func (r *redisRelay) Subscribe(ctx context.Context, instanceID string, fn func(Frame)) error {
	sub := r.client.Subscribe(ctx, instancePrefix+instanceID, broadcastChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.log.Warn("malformed relay frame, dropping", zap.Error(err))
				continue
			}
			if frame.V != relayVersion {
				r.log.Warn("unsupported relay frame version, dropping", zap.Int("v", frame.V))
				continue
			}
			fn(frame)
		}
	}
}

// memoryRelay is the in-process Relay used in standalone mode and tests.
// Multiple subscribers may share one memoryRelay, which makes cross-instance
// delivery testable without Redis.
type memoryRelay struct {
	mu   sync.RWMutex
	subs map[string][]chan Frame
}

// NewMemoryRelay builds an in-process Relay.
func NewMemoryRelay() Relay {
	return &memoryRelay{subs: make(map[string][]chan Frame)}
}

func (r *memoryRelay) PublishTo(ctx context.Context, instanceID string, frame Frame) error {
	frame.V = relayVersion
	r.deliver(instancePrefix+instanceID, frame)
	return nil
}

func (r *memoryRelay) Broadcast(ctx context.Context, frame Frame) error {
	frame.V = relayVersion
	r.deliver(broadcastChannel, frame)
	return nil
}

func (r *memoryRelay) deliver(channel string, frame Frame) {
	r.mu.RLock()
	targets := append([]chan Frame(nil), r.subs[channel]...)
	r.mu.RUnlock()
	for _, ch := range targets {
		select {
		case ch <- frame:
		default:
			// Subscriber buffer full; pub/sub semantics allow the drop.
		}
	}
}

func (r *memoryRelay) Subscribe(ctx context.Context, instanceID string, fn func(Frame)) error {
	ch := make(chan Frame, 256)
	channels := []string{instancePrefix + instanceID, broadcastChannel}

	r.mu.Lock()
	for _, name := range channels {
		r.subs[name] = append(r.subs[name], ch)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		for _, name := range channels {
			kept := r.subs[name][:0]
			for _, c := range r.subs[name] {
				if c != ch {
					kept = append(kept, c)
				}
			}
			r.subs[name] = kept
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-ch:
			fn(frame)
		}
	}
}
