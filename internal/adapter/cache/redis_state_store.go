package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

// StateKeyPrefix namespaces pending authorization states.
const StateKeyPrefix = "oauth:state:"

// RedisStateStore keeps each pending authorization under its state value
// until the callback arrives or the TTL lapses.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) SaveState(ctx context.Context, data oauth.OAuthState, ttl time.Duration) error {
	if strings.TrimSpace(data.State) == "" {
		return fmt.Errorf("save state: %w", oauth.ErrInvalidState)
	}
	return putJSON(ctx, s.client, stateKey(data.State), data, ttl)
}

func (s *RedisStateStore) GetState(ctx context.Context, state string) (*oauth.OAuthState, error) {
	key := stateKey(state)
	raw, err := s.client.Get(ctx, key).Bytes()
	return readJSON[oauth.OAuthState](key, raw, err)
}

func (s *RedisStateStore) DeleteState(ctx context.Context, state string) error {
	if err := s.client.Del(ctx, stateKey(state)).Err(); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func stateKey(state string) string {
	return StateKeyPrefix + strings.TrimSpace(state)
}
