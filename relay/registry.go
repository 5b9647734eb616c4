package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// SessionRecord is what the relay remembers about a session between the
// time it is created and the time both sides join.
type SessionRecord struct {
	ID            string    `json:"id"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
	CodeHash      []byte    `json:"codeHash"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Registry stores session records with an expiry.
type Registry interface {
	Create(ctx context.Context, rec SessionRecord) error
	Get(ctx context.Context, id string) (SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRegistry is an in-process Registry for single-instance relays and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	now      func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]SessionRecord), now: time.Now}
}

// Create stores rec, replacing any record with the same id.
func (r *MemoryRegistry) Create(ctx context.Context, rec SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[rec.ID] = rec
	r.pruneLocked()
	return nil
}

// Get returns the record for id, or ErrSessionNotFound when it is unknown or expired.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !rec.ExpiresAt.IsZero() && !r.now().Before(rec.ExpiresAt) {
		delete(r.sessions, id)
		return SessionRecord{}, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	return rec, nil
}

// Delete removes id. Deleting an unknown id is not an error.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRegistry) pruneLocked() {
	now := r.now()
	for id, rec := range r.sessions {
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			delete(r.sessions, id)
		}
	}
}

// RedisRegistry stores records as JSON under session:<id> with a TTL, so
// several relay instances can share them.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to addr and verifies the connection.
func NewRedisRegistry(ctx context.Context, addr, password string, db int) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logrus.WithFields(logrus.Fields{
			"function": "NewRedisRegistry",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to connect to Redis")
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

func sessionKey(id string) string {
	return "session:" + id
}

// Create stores rec with a TTL matching its expiry.
func (r *RedisRegistry) Create(ctx context.Context, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if rec.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return fmt.Errorf("session %s already expired", rec.ID)
	}
	if err := r.client.Set(ctx, sessionKey(rec.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads the record for id.
func (r *RedisRegistry) Get(ctx context.Context, id string) (SessionRecord, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("load session %s: %w", id, err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the record for id.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
