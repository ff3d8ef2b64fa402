package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"engagekit/antiabuse"
)

// CounterStore is an antiabuse.Store on Redis sorted sets, so rate windows are
// shared by every node. Scores are event times in unix microseconds, which a
// float64 score holds exactly; every key carries a TTL matching its window.
type CounterStore struct {
	client *redis.Client
	prefix string
}

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client, prefix: "abuse:"}
}

func (s *CounterStore) key(k string) string { return s.prefix + k }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (s *CounterStore) Hit(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	k := s.key(key)
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.NewString()
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", score(at.Add(-window)))
		p.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMicro()), Member: member})
		card = p.ZCard(ctx, k)
		p.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("abuse hit %s: %w", key, err)
	}
	return int(card.Val()), nil
}

func (s *CounterStore) AddMember(ctx context.Context, key, member string, at time.Time, ttl time.Duration) (int, error) {
	k := s.key(key)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", score(at.Add(-ttl)))
		p.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMicro()), Member: member})
		card = p.ZCard(ctx, k)
		p.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("abuse member %s: %w", key, err)
	}
	return int(card.Val()), nil
}

// Flags store "<expires-unix-nanos>|<value>" so expiry follows the caller's
// clock as well as the Redis TTL.
func (s *CounterStore) SetFlag(ctx context.Context, key, value string, at time.Time, ttl time.Duration) error {
	v := strconv.FormatInt(at.Add(ttl).UnixNano(), 10) + "|" + value
	if err := s.client.Set(ctx, s.key(key), v, ttl).Err(); err != nil {
		return fmt.Errorf("abuse flag %s: %w", key, err)
	}
	return nil
}

func (s *CounterStore) GetFlag(ctx context.Context, key string, at time.Time) (string, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("abuse flag %s: %w", key, err)
	}
	exp, value, ok := strings.Cut(raw, "|")
	if !ok {
		return "", false, nil
	}
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || at.UnixNano() >= n {
		return "", false, nil
	}
	return value, true, nil
}

func (s *CounterStore) DeleteFlag(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Reset deletes every key under the store's prefix.
func (s *CounterStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

var _ antiabuse.Store = (*CounterStore)(nil)
