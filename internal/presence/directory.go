package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Directory records which nodes hold live sessions for a user. Entries expire
// unless refreshed, so a crashed node drops out on its own.
type Directory interface {
	Add(ctx context.Context, userID uuid.UUID, nodeID string, ttl time.Duration) error
	Remove(ctx context.Context, userID uuid.UUID, nodeID string) error
	Nodes(ctx context.Context, userID uuid.UUID) ([]string, error)
}

const presenceKeyPrefix = "presence:user:"

// RedisDirectory keeps one sorted set per user: member node ID, score expiry unix time.
type RedisDirectory struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, now: time.Now}
}

func presenceKey(userID uuid.UUID) string {
	return presenceKeyPrefix + userID.String()
}

func (d *RedisDirectory) Add(ctx context.Context, userID uuid.UUID, nodeID string, ttl time.Duration) error {
	key := presenceKey(userID)
	expires := d.now().Add(ttl)

	pipe := d.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expires.Unix()), Member: nodeID})
	pipe.ExpireAt(ctx, key, expires)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Remove(ctx context.Context, userID uuid.UUID, nodeID string) error {
	if err := d.client.ZRem(ctx, presenceKey(userID), nodeID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Nodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	nodes, err := d.client.ZRangeByScore(ctx, presenceKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(d.now().Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	return nodes, nil
}

// MemoryDirectory is a process-local Directory for single-node runs and tests.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]map[string]time.Time
	now     func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[uuid.UUID]map[string]time.Time), now: time.Now}
}

func (d *MemoryDirectory) Add(_ context.Context, userID uuid.UUID, nodeID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[userID] == nil {
		d.entries[userID] = make(map[string]time.Time)
	}
	d.entries[userID][nodeID] = d.now().Add(ttl)
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, userID uuid.UUID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries[userID], nodeID)
	return nil
}

func (d *MemoryDirectory) Nodes(_ context.Context, userID uuid.UUID) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var nodes []string
	for node, exp := range d.entries[userID] {
		if exp.After(now) {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}
