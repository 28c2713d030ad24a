package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// putJSON stores v under key for ttl. A non-positive ttl is refused since
// Redis would keep the key forever.
func putJSON(ctx context.Context, client redis.UniversalClient, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("persist %s: non-positive ttl %s", key, ttl)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// readJSON decodes the result of a GET-like command. A missing key is nil, nil.
func readJSON[T any](key string, raw []byte, err error) (*T, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}
