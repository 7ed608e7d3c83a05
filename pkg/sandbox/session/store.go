package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queryforge/queryforge/pkg/errors"
	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Metadata is the durable record of a session, enough to rebuild it
// from the stored schema and seed after a process restart.
type Metadata struct {
	SessionID   string          `json:"session_id"`
	Backend     sandbox.Backend `json:"database_type"`
	SchemaSQL   string          `json:"schema_sql"`
	SeedSQL     string          `json:"seed_sql"`
	IsolationID string          `json:"isolation_id"`
	UserID      string          `json:"user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store persists session metadata for cross-process recovery. Load
// returns (nil, nil) when no record exists.
type Store interface {
	Save(ctx context.Context, meta *Metadata) error
	Touch(ctx context.Context, sessionID string) error
	Load(ctx context.Context, sessionID string) (*Metadata, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

func metadataKey(sessionID string) string {
	return "session:" + sessionID
}

// RedisStore keeps metadata in redis under session:<id> keys with a
// TTL matching the session lifetime, refreshed on activity.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects a metadata store to the given redis address.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewConnectionFailedError("failed to connect to session metadata redis", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client, which the store
// takes ownership of.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: sandbox.SessionTTL}
}

// Save writes the metadata record with a fresh TTL.
func (s *RedisStore) Save(ctx context.Context, meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, metadataKey(meta.SessionID), raw, s.ttl).Err()
}

// Touch refreshes the record's TTL.
func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	return s.client.Expire(ctx, metadataKey(sessionID), s.ttl).Err()
}

// Load reads a metadata record, returning (nil, nil) when absent.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Metadata, error) {
	raw, err := s.client.Get(ctx, metadataKey(sessionID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Delete removes a metadata record.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, metadataKey(sessionID)).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process Store used in tests and when no
// metadata redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*Metadata
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Metadata)}
}

// Save stores a copy of the record.
func (s *MemoryStore) Save(_ context.Context, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.data[meta.SessionID] = &cp
	return nil
}

// Touch is a no-op; memory records do not expire.
func (s *MemoryStore) Touch(context.Context, string) error {
	return nil
}

// Load returns a copy of the record, or (nil, nil) when absent.
func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.data[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *meta
	return &cp, nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
