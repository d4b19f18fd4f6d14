package siwe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nonces issues single-use challenge nonces and rejects replays.
type Nonces interface {
	Generate(ctx context.Context, length int) (string, error)
	// Consume reports whether nonce was issued, unexpired and unused,
	// and marks it used.
	Consume(ctx context.Context, nonce string) (bool, error)
}

func randomNonce(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NonceStore tracks issued nonces in memory. Suitable for a single
// instance; use RedisNonceStore when running several.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> expiry time
	ttl    time.Duration
	stop   chan struct{}
}

// NewNonceStore creates a nonce store with the given TTL for challenges.
func NewNonceStore(ttl time.Duration) *NonceStore {
	ns := &NonceStore{
		nonces: make(map[string]time.Time),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
	go ns.cleanup()
	return ns
}

// Generate creates a new random nonce and stores it.
func (ns *NonceStore) Generate(_ context.Context, length int) (string, error) {
	nonce, err := randomNonce(length)
	if err != nil {
		return "", err
	}

	ns.mu.Lock()
	ns.nonces[nonce] = time.Now().Add(ns.ttl)
	ns.mu.Unlock()

	return nonce, nil
}

// Consume validates a nonce and removes it.
func (ns *NonceStore) Consume(_ context.Context, nonce string) (bool, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	expiry, exists := ns.nonces[nonce]
	if !exists {
		return false, nil
	}
	delete(ns.nonces, nonce)

	return time.Now().Before(expiry), nil
}

// Close stops the cleanup loop.
func (ns *NonceStore) Close() {
	close(ns.stop)
}

// cleanup periodically removes expired nonces.
func (ns *NonceStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ns.stop:
			return
		case now := <-ticker.C:
			ns.mu.Lock()
			for nonce, expiry := range ns.nonces {
				if now.After(expiry) {
					delete(ns.nonces, nonce)
				}
			}
			ns.mu.Unlock()
		}
	}
}

const redisNoncePrefix = "gatedblog:nonce:"

// RedisNonceStore keeps nonces in Redis with a key TTL, so challenges
// issued by one instance can be verified by another.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNonceStore parses a redis:// URL and checks connectivity.
func NewRedisNonceStore(ctx context.Context, url string, ttl time.Duration) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisNonceStore{client: client, ttl: ttl}, nil
}

// Generate creates a new random nonce and stores it with the challenge TTL.
func (rs *RedisNonceStore) Generate(ctx context.Context, length int) (string, error) {
	nonce, err := randomNonce(length)
	if err != nil {
		return "", err
	}
	ok, err := rs.client.SetNX(ctx, redisNoncePrefix+nonce, 1, rs.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("storing nonce: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("nonce collision")
	}
	return nonce, nil
}

// Consume atomically deletes the nonce key; expired keys are already gone.
func (rs *RedisNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	n, err := rs.client.Del(ctx, redisNoncePrefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis client.
func (rs *RedisNonceStore) Close() error {
	return rs.client.Close()
}
