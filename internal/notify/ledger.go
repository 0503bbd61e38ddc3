package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger suppresses duplicate deliveries. Claim returns true only for the
// first caller of a key within ttl.
type Ledger interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLedger shares the duplicate ledger between API instances.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger connects to redisURL and checks the connection.
func NewRedisLedger(redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLedgerWithClient(client), nil
}

func NewRedisLedgerWithClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{
		client: client,
		prefix: "pinboard:",
	}
}

func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Close closes the Redis connection
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// MemoryLedger is a single-process Ledger. Expired keys are pruned lazily.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.keys) > 1024 {
		for k, expires := range l.keys {
			if !expires.After(now) {
				delete(l.keys, k)
			}
		}
	}
	if expires, ok := l.keys[key]; ok && expires.After(now) {
		return false, nil
	}
	l.keys[key] = now.Add(ttl)
	return true, nil
}

func pushKey(itemID int64, email string) string {
	return fmt.Sprintf("push:%d:%s", itemID, email)
}
