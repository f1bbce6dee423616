package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/clock"
	"go.uber.org/zap"
)

const viewKeyPrefix = "check:view:"

// ViewCache is the read-through store for denormalized check views. It is a
// cache of the relational truth: always safe to lose, bounded by TTL.
type ViewCache interface {
	Get(ctx context.Context, checkID string) (domain.CheckView, bool)
	Put(ctx context.Context, checkID string, view domain.CheckView)
	Invalidate(ctx context.Context, checkID string)
}

type redisViewCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisViewCache builds a ViewCache on Redis string values with expiry.
func NewRedisViewCache(client *redis.Client, ttl time.Duration, log *zap.Logger) ViewCache {
	return &redisViewCache{client: client, ttl: ttl, log: log.Named("check.cache")}
}

func (c *redisViewCache) Get(ctx context.Context, checkID string) (domain.CheckView, bool) {
	raw, err := c.client.Get(ctx, viewKeyPrefix+checkID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CheckView{}, false
	}
	if err != nil {
		c.log.Warn("cache read failed", zap.String("check_id", checkID), zap.Error(err))
		return domain.CheckView{}, false
	}

	var view domain.CheckView
	if err := json.Unmarshal(raw, &view); err != nil {
		c.log.Warn("cache entry corrupt, dropping", zap.String("check_id", checkID), zap.Error(err))
		c.Invalidate(ctx, checkID)
		return domain.CheckView{}, false
	}
	return view, true
}

func (c *redisViewCache) Put(ctx context.Context, checkID string, view domain.CheckView) {
	raw, err := json.Marshal(view)
	if err != nil {
		c.log.Warn("cache encode failed", zap.String("check_id", checkID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, viewKeyPrefix+checkID, raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", zap.String("check_id", checkID), zap.Error(err))
	}
}

func (c *redisViewCache) Invalidate(ctx context.Context, checkID string) {
	if err := c.client.Del(ctx, viewKeyPrefix+checkID).Err(); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("check_id", checkID), zap.Error(err))
	}
}

type memoryViewEntry struct {
	view      domain.CheckView
	expiresAt time.Time
}

type memoryViewCache struct {
	mu      sync.RWMutex
	entries map[string]memoryViewEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryViewCache builds an in-process ViewCache for standalone mode
// and tests.
func NewMemoryViewCache(ttl time.Duration, clk clock.Clock) ViewCache {
	return &memoryViewCache{
		entries: make(map[string]memoryViewEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *memoryViewCache) Get(_ context.Context, checkID string) (domain.CheckView, bool) {
	c.mu.RLock()
	entry, ok := c.entries[checkID]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return domain.CheckView{}, false
	}
	return entry.view, true
}

func (c *memoryViewCache) Put(_ context.Context, checkID string, view domain.CheckView) {
	c.mu.Lock()
	c.entries[checkID] = memoryViewEntry{view: view, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *memoryViewCache) Invalidate(_ context.Context, checkID string) {
	c.mu.Lock()
	delete(c.entries, checkID)
	c.mu.Unlock()
}
