package whatsapp

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// QRCache holds the latest pairing QR payload per user while the
// instance is connecting.  Entries are ephemeral: the lifecycle
// manager overwrites them on every poll tick and removes them once the
// session is established.
type QRCache interface {
	Put(ctx context.Context, userID, payload string)
	Get(ctx context.Context, userID string) (string, bool)
	Delete(ctx context.Context, userID string)
}

type memoryEntry struct {
	val    string
	expiry time.Time
}

// MemoryQRCache is the default process-local cache.  It is only
// correct when a single process handles a given user's session; use
// RedisQRCache when running more than one replica.
type MemoryQRCache struct {
	mu  sync.RWMutex
	m   map[string]memoryEntry
	ttl time.Duration
}

// NewMemoryQRCache builds an empty cache.  Entries expire after five
// minutes, matching the gateway's own QR rotation window.
func NewMemoryQRCache() *MemoryQRCache {
	return &MemoryQRCache{m: map[string]memoryEntry{}, ttl: 5 * time.Minute}
}

func (c *MemoryQRCache) Put(_ context.Context, userID, payload string) {
	c.mu.Lock()
	c.m[userID] = memoryEntry{val: payload, expiry: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryQRCache) Get(_ context.Context, userID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.m[userID]
	c.mu.RUnlock()
	if !ok || e.val == "" || time.Now().After(e.expiry) {
		return "", false
	}
	return e.val, true
}

func (c *MemoryQRCache) Delete(_ context.Context, userID string) {
	c.mu.Lock()
	delete(c.m, userID)
	c.mu.Unlock()
}

// RedisQRCache shares QR payloads across replicas through Redis keys
// of the form secretaria-qr:{userID}.
type RedisQRCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisQRCache parses url and returns a Redis-backed cache, or an
// error when the URL is invalid.
func NewRedisQRCache(url string) (*RedisQRCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisQRCache{
		client: redis.NewClient(opt),
		prefix: "secretaria-qr:",
		ttl:    5 * time.Minute,
	}, nil
}

func (c *RedisQRCache) Put(ctx context.Context, userID, payload string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = c.client.Set(ctx, c.prefix+userID, payload, c.ttl).Err()
}

func (c *RedisQRCache) Get(ctx context.Context, userID string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := c.client.Get(ctx, c.prefix+userID).Result()
	if err != nil || val == "" {
		return "", false
	}
	return val, true
}

func (c *RedisQRCache) Delete(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = c.client.Del(ctx, c.prefix+userID).Err()
}
