package tenant

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore fronts a Store with a Redis cache of number -> tenant id.
//
// Only positive lookups are cached so a number assigned after a miss is
// picked up on the next call. Cache failures fall through to the backing store.
type CachedStore struct {
	next Store
	rdb  *redis.Client
	ttl  time.Duration
	log  *slog.Logger
}

func NewCachedStore(next Store, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedStore{next: next, rdb: rdb, ttl: ttl, log: log}
}

func numberKey(n string) string { return "voice:tenant:number:" + n }

func (s *CachedStore) Get(ctx context.Context, id int64) (Tenant, error) {
	return s.next.Get(ctx, id)
}

func (s *CachedStore) ResolveNumber(ctx context.Context, number string) (int64, error) {
	n := NormalizeNumber(number)
	if n == "" {
		return 0, ErrInvalidArgument
	}

	if s.rdb != nil {
		v, err := s.rdb.Get(ctx, numberKey(n)).Result()
		switch {
		case err == nil:
			if id, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				return id, nil
			}
		case !errors.Is(err, redis.Nil):
			s.log.Warn("tenant cache read failed", "err", err)
		}
	}

	id, err := s.next.ResolveNumber(ctx, n)
	if err != nil {
		return 0, err
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, numberKey(n), strconv.FormatInt(id, 10), s.ttl).Err(); err != nil {
			s.log.Warn("tenant cache write failed", "err", err)
		}
	}
	return id, nil
}
