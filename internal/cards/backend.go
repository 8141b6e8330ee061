package cards

import (
	"context"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

// Load returns a copy of the value stored under key.
func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Save stores a copy of value under key.
func (m *MemoryBackend) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string][]byte)
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// RedisBackend stores values as plain Redis strings.
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// Load reads key, mapping a missing key to ErrNotFound.
func (r RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if r.Client == nil {
		return nil, errors.New("cards: redis client not configured")
	}
	data, err := r.Client.Get(ctx, r.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Save writes key without expiry.
func (r RedisBackend) Save(ctx context.Context, key string, value []byte) error {
	if r.Client == nil {
		return errors.New("cards: redis client not configured")
	}
	return r.Client.Set(ctx, r.Prefix+key, value, 0).Err()
}

// Delete removes key.
func (r RedisBackend) Delete(ctx context.Context, key string) error {
	if r.Client == nil {
		return errors.New("cards: redis client not configured")
	}
	return r.Client.Del(ctx, r.Prefix+key).Err()
}
