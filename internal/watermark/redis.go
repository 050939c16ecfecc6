package watermark

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/redis"
)

// Compile-time interface compliance check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps the state document under a single Redis key. SET replaces
// the value atomically, which gives the same guarantee as the file rename.
type RedisStore struct {
	log   logrus.FieldLogger
	redis redis.Client
	key   string
	seed  *Seeder
}

// NewRedisStore creates a Redis-backed store for feedName.
func NewRedisStore(
	log logrus.FieldLogger,
	cfg Config,
	feedName string,
	redisClient redis.Client,
	seed *Seeder,
) *RedisStore {
	return &RedisStore{
		log:   log.WithField("component", "watermark_redis"),
		redis: redisClient,
		key:   cfg.KeyPrefix + feedName,
		seed:  seed,
	}
}

// Key returns the Redis key holding the state document.
func (r *RedisStore) Key() string {
	return r.key
}

// Load returns the stored state. A missing or corrupt document yields the
// seed; a Redis failure is returned so the caller does not regress the
// watermark on a transient outage.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	data, err := r.redis.Get(ctx, r.key)
	if err != nil {
		if errors.Is(err, redis.ErrNotFound) {
			return r.seed.Seed(ctx), nil
		}

		return State{}, fmt.Errorf("get state: %w", err)
	}

	state, err := Unmarshal([]byte(data))
	if err != nil {
		r.log.WithError(err).Warn("Corrupt state in Redis, ignoring")

		return r.seed.Seed(ctx), nil
	}

	return state, nil
}

// Save stores the state document without expiry.
func (r *RedisStore) Save(ctx context.Context, state State) error {
	data, err := Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := r.redis.Set(ctx, r.key, string(data), 0); err != nil {
		return fmt.Errorf("set state: %w", err)
	}

	return nil
}
