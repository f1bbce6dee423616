package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Broker abstracts the FIFO list primitives the queue is built on. The Redis
// implementation coordinates multiple instances; the memory implementation
// serves standalone mode and tests.
type Broker interface {
	// Push appends a frame to the tail of the named list.
	Push(ctx context.Context, queue string, frame []byte) error
	// Pop blocks up to timeout for a frame from the head of the named list.
	// A nil frame with nil error means the timeout elapsed.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

type redisBroker struct {
	client *redis.Client
}

// NewRedisBroker builds a Broker on Redis lists (RPUSH/BLPOP).
func NewRedisBroker(client *redis.Client) Broker {
	return &redisBroker{client: client}
}

func (b *redisBroker) Push(ctx context.Context, queue string, frame []byte) error {
	return b.client.RPush(ctx, queue, frame).Err()
}

func (b *redisBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

const memoryQueueDepth = 4096

// ErrQueueFull is returned by the memory broker when a list is saturated.
var ErrQueueFull = errors.New("queue is full")

type memoryBroker struct {
	mu    sync.Mutex
	lists map[string]chan []byte
}

// NewMemoryBroker builds an in-process Broker for standalone mode and tests.
func NewMemoryBroker() Broker {
	return &memoryBroker{lists: make(map[string]chan []byte)}
}

func (b *memoryBroker) list(queue string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.lists[queue]
	if !ok {
		ch = make(chan []byte, memoryQueueDepth)
		b.lists[queue] = ch
	}
	return ch
}

func (b *memoryBroker) Push(ctx context.Context, queue string, frame []byte) error {
	select {
	case b.list(queue) <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (b *memoryBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-b.list(queue):
		return frame, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
