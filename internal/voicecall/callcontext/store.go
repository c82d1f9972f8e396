// Package callcontext keeps the metadata learned when a call arrives so the
// media connection opened a moment later can find it.
package callcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redisclient "call-relay/internal/clients/redis"
	"call-relay/internal/observability"
)

var ErrNotFound = errors.New("call context not found")

const keyPrefix = "call_context:"

// CallContext is what the incoming-call webhook knows about a call.
type CallContext struct {
	SessionToken string    `json:"session_token,omitempty"`
	CallSID      string    `json:"call_sid,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	// Fallback is set when no stored context could be found.
	Fallback bool `json:"-"`
}

// Keys returns the lookup keys the context is stored under.
func (c CallContext) Keys() []string {
	var keys []string
	if c.SessionToken != "" {
		keys = append(keys, c.SessionToken)
	}
	if c.CallSID != "" && c.CallSID != c.SessionToken {
		keys = append(keys, c.CallSID)
	}
	return keys
}

type Store interface {
	Save(ctx context.Context, cc CallContext) error
	Lookup(ctx context.Context, key string) (CallContext, error)
}

// MemoryStore is an in-process Store with per-entry expiry.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	cc      CallContext
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Save(_ context.Context, cc CallContext) error {
	keys := cc.Keys()
	if len(keys) == 0 {
		return fmt.Errorf("call context has no session token or call sid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if s.ttl > 0 {
		expires = s.now().Add(s.ttl)
	}
	for _, k := range keys {
		s.entries[k] = memoryEntry{cc: cc, expires: expires}
	}
	s.evictLocked()
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (CallContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return CallContext{}, ErrNotFound
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.entries, key)
		return CallContext{}, ErrNotFound
	}
	return e.cc, nil
}

func (s *MemoryStore) evictLocked() {
	now := s.now()
	for k, e := range s.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.entries, k)
		}
	}
}

// RedisStore keeps contexts as JSON values with a TTL.
type RedisStore struct {
	client *redisclient.Client
	ttl    time.Duration
	logger *observability.Logger
}

func NewRedisStore(client *redisclient.Client, ttl time.Duration, logger *observability.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) Save(ctx context.Context, cc CallContext) error {
	keys := cc.Keys()
	if len(keys) == 0 {
		return fmt.Errorf("call context has no session token or call sid")
	}
	data, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("failed to marshal call context: %w", err)
	}
	for _, k := range keys {
		if err := s.client.Set(ctx, keyPrefix+k, data, s.ttl); err != nil {
			return fmt.Errorf("failed to store call context: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (CallContext, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key)
	if errors.Is(err, redisclient.ErrNil) {
		return CallContext{}, ErrNotFound
	}
	if err != nil {
		return CallContext{}, fmt.Errorf("failed to read call context: %w", err)
	}
	var cc CallContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		s.logger.Error(ctx, "discarding corrupt call context", err, observability.Field{Key: "key", Value: key})
		return CallContext{}, ErrNotFound
	}
	return cc, nil
}
