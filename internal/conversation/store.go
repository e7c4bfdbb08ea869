package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/redis"
)

// State is one user's position in the guided purchase flow.
type State struct {
	UserID    int64                   `json:"user_id"`
	Name      enums.ConversationState `json:"state"`
	OrderID   *uuid.UUID              `json:"order_id,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// StateStore persists conversation state. Load returns nil, nil for a user
// without state or whose state expired.
type StateStore interface {
	Load(ctx context.Context, userID int64) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, userID int64) error
}

// expiryFor is the inactivity timeout for a state. A user waiting on payment
// never times out locally; only the order outcome releases them.
func expiryFor(state *State, ttl time.Duration) time.Duration {
	if state.Name == enums.ConversationAwaitingPaymentConfirmation {
		return 0
	}
	return ttl
}

type redisKV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ConversationKey(userID int64) string
}

// RedisStateStore keeps state as JSON under a per-user key with a TTL.
type RedisStateStore struct {
	kv  redisKV
	ttl time.Duration
}

func NewRedisStateStore(kv redisKV, ttl time.Duration) (*RedisStateStore, error) {
	if kv == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("conversation ttl must be positive")
	}
	return &RedisStateStore{kv: kv, ttl: ttl}, nil
}

func (s *RedisStateStore) Load(ctx context.Context, userID int64) (*State, error) {
	raw, err := s.kv.Get(ctx, s.kv.ConversationKey(userID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &state, nil
}

func (s *RedisStateStore) Save(ctx context.Context, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.kv.Set(ctx, s.kv.ConversationKey(state.UserID), payload, expiryFor(state, s.ttl)); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, userID int64) error {
	return s.kv.Del(ctx, s.kv.ConversationKey(userID))
}

// MemoryStateStore is a process-local StateStore for single-instance runs and tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[int64]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

func NewMemoryStateStore(ttl time.Duration, clock func() time.Time) *MemoryStateStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStateStore{states: map[int64]memoryEntry{}, ttl: ttl, now: clock}
}

func (s *MemoryStateStore) Load(_ context.Context, userID int64) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.states, userID)
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

func (s *MemoryStateStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{state: *state}
	if ttl := expiryFor(state, s.ttl); ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.states[state.UserID] = entry
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}
