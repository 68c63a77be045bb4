package alerter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/redis/go-redis/v9"
)

// EventStore keeps runtime state for events that no alert definition claims.
type EventStore interface {
	Load(ctx context.Context, id string) (State, error)
	Save(ctx context.Context, id string, s State) error
	Close() error
}

// NewEventStore builds the store selected by events.state.
func NewEventStore(cfg config.EventsConfig) (EventStore, error) {
	switch cfg.State {
	case "", "stateless":
		return statelessStore{}, nil
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Prefix, cfg.Redis.TTL), nil
	}
	return nil, fmt.Errorf("unknown event state mode %q", cfg.State)
}

// statelessStore treats every ingestion as the first.
type statelessStore struct{}

func (statelessStore) Load(context.Context, string) (State, error) { return State{}, nil }
func (statelessStore) Save(context.Context, string, State) error   { return nil }
func (statelessStore) Close() error                                { return nil }

// MemoryStore keeps event state for the life of the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id].clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, id string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = s.clone()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// RedisStore persists event state as JSON so it survives restarts.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context, id string) (State, error) {
	b, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("decode event state %s: %w", id, err)
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, id string, s State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+id, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
