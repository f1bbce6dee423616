package connection

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/clock"
	"go.uber.org/zap"
)

const directoryPrefix = "conn:user:"

// Directory records which instance currently holds a user's connection.
// Entries expire unless refreshed by the owning instance's heartbeat, so a
// crashed instance's users fall out of the directory on their own.
type Directory interface {
	Register(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error
	Refresh(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error
	Unregister(ctx context.Context, userID int64) error

	// Lookup returns the owning instance id, or "" when the user has no
	// live connection anywhere.
	Lookup(ctx context.Context, userID int64) (string, error)
}

type redisDirectory struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisDirectory builds a Directory on Redis keys with expiry.
func NewRedisDirectory(client *redis.Client, log *zap.Logger) Directory {
	return &redisDirectory{client: client, log: log.Named("connection.directory")}
}

func (d *redisDirectory) Register(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error {
	return d.client.Set(ctx, directoryKey(userID), instanceID, ttl).Err()
}

func (d *redisDirectory) Refresh(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error {
	return d.client.Set(ctx, directoryKey(userID), instanceID, ttl).Err()
}

func (d *redisDirectory) Unregister(ctx context.Context, userID int64) error {
	return d.client.Del(ctx, directoryKey(userID)).Err()
}

func (d *redisDirectory) Lookup(ctx context.Context, userID int64) (string, error) {
	instanceID, err := d.client.Get(ctx, directoryKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return instanceID, err
}

func directoryKey(userID int64) string {
	return directoryPrefix + strconv.FormatInt(userID, 10)
}

type directoryEntry struct {
	instanceID string
	expiresAt  time.Time
}

type memoryDirectory struct {
	mu      sync.RWMutex
	entries map[int64]directoryEntry
	clock   clock.Clock
}

// NewMemoryDirectory builds an in-process Directory for standalone mode
// and tests.
func NewMemoryDirectory(clk clock.Clock) Directory {
	return &memoryDirectory{entries: make(map[int64]directoryEntry), clock: clk}
}

func (d *memoryDirectory) Register(_ context.Context, userID int64, instanceID string, ttl time.Duration) error {
	d.mu.Lock()
	d.entries[userID] = directoryEntry{instanceID: instanceID, expiresAt: d.clock.Now().Add(ttl)}
	d.mu.Unlock()
	return nil
}

func (d *memoryDirectory) Refresh(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error {
	return d.Register(ctx, userID, instanceID, ttl)
}

func (d *memoryDirectory) Unregister(_ context.Context, userID int64) error {
	d.mu.Lock()
	delete(d.entries, userID)
	d.mu.Unlock()
	return nil
}

func (d *memoryDirectory) Lookup(_ context.Context, userID int64) (string, error) {
	d.mu.RLock()
	entry, ok := d.entries[userID]
	d.mu.RUnlock()
	if !ok || d.clock.Now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.instanceID, nil
}
