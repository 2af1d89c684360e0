package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tryon:tokens:"

// Both scripts seed a missing key with the default balance so first touch
// and mutation happen in one round trip.
var (
	debitScript = redis.NewScript(`
		local key = KEYS[1]
		local amount = tonumber(ARGV[1])
		local default = tonumber(ARGV[2])

		local balance = redis.call('GET', key)
		if not balance then
			balance = default
			redis.call('SET', key, balance)
		else
			balance = tonumber(balance)
		end

		if balance < amount then
			return {0, balance}
		end
		return {1, redis.call('DECRBY', key, amount)}
	`)

	creditScript = redis.NewScript(`
		local key = KEYS[1]
		local amount = tonumber(ARGV[1])
		local default = tonumber(ARGV[2])

		if redis.call('EXISTS', key) == 0 then
			redis.call('SET', key, default)
		end
		return redis.call('INCRBY', key, amount)
	`)
)

// RedisStore keeps balances as integer keys in Redis.
type RedisStore struct {
	client         redis.UniversalClient
	defaultBalance int64
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, defaultBalance int64) *RedisStore {
	return &RedisStore{client: client, defaultBalance: defaultBalance}
}

func (s *RedisStore) Balance(ctx context.Context, principal string) (int64, error) {
	raw, err := s.client.Get(ctx, redisKey(principal)).Result()
	if errors.Is(err, redis.Nil) {
		return s.defaultBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get balance: %w", err)
	}
	bal, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis balance %q: %w", raw, err)
	}
	return bal, nil
}

func (s *RedisStore) DebitIfSufficient(ctx context.Context, principal string, amount int64) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	res, err := debitScript.Run(ctx, s.client, []string{redisKey(principal)}, amount, s.defaultBalance).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis debit: %w", err)
	}
	return parseDebitResult(res)
}

func (s *RedisStore) Credit(ctx context.Context, principal string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	bal, err := creditScript.Run(ctx, s.client, []string{redisKey(principal)}, amount, s.defaultBalance).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis credit: %w", err)
	}
	return bal, nil
}

func redisKey(principal string) string {
	return redisKeyPrefix + principal
}

func parseDebitResult(res []any) (int64, bool, error) {
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis debit: unexpected reply %v", res)
	}
	ok, err := strconv.ParseInt(fmt.Sprint(res[0]), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis debit flag: %w", err)
	}
	bal, err := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis debit balance: %w", err)
	}
	return bal, ok == 1, nil
}

var _ Store = (*RedisStore)(nil)
