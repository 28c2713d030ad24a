package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

// ChallengeKeyPrefix namespaces challenge records.
const ChallengeKeyPrefix = "oauth:challenge:"

// RedisChallengeStore keeps Cloudflare challenge records with a TTL equal to
// their remaining lifetime.
type RedisChallengeStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ repository.ChallengeStore = (*RedisChallengeStore)(nil)

// NewRedisChallengeStore constructs the store.
func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, now: time.Now}
}

func (s *RedisChallengeStore) Save(ctx context.Context, ch oauth.CloudflareChallenge) error {
	ttl := ch.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("save challenge %s: %w", ch.ID, oauth.ErrChallengeExpired)
	}
	return putJSON(ctx, s.client, ChallengeKeyPrefix+ch.ID, ch, ttl)
}

func (s *RedisChallengeStore) Get(ctx context.Context, id string) (*oauth.CloudflareChallenge, error) {
	key := ChallengeKeyPrefix + id
	raw, err := s.client.Get(ctx, key).Bytes()
	return s.live(readJSON[oauth.CloudflareChallenge](key, raw, err))
}

// Consume uses GETDEL so only one caller ever sees the record.
func (s *RedisChallengeStore) Consume(ctx context.Context, id string) (*oauth.CloudflareChallenge, error) {
	key := ChallengeKeyPrefix + id
	raw, err := s.client.GetDel(ctx, key).Bytes()
	return s.live(readJSON[oauth.CloudflareChallenge](key, raw, err))
}

// live hides records whose ExpiresAt passed before Redis evicted them.
func (s *RedisChallengeStore) live(ch *oauth.CloudflareChallenge, err error) (*oauth.CloudflareChallenge, error) {
	if err != nil || ch == nil {
		return nil, err
	}
	if ch.Expired(s.now()) {
		return nil, nil
	}
	return ch, nil
}
