package account

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "pitboss"
	defaultRefTTL    = 7 * 24 * time.Hour
)

// Balances live in plain string keys so operators can inspect them with
// redis-cli. Missing keys read as the starting balance.
var debitScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or ARGV[2])
local amt = tonumber(ARGV[1])
if bal < amt then
  return {0, bal}
end
bal = bal - amt
redis.call('SET', KEYS[1], bal)
return {1, bal}
`)

var creditScript = redis.NewScript(`
if ARGV[2] ~= '' then
  if not redis.call('SET', KEYS[2], '1', 'NX', 'EX', ARGV[4]) then
    return {0, tonumber(redis.call('GET', KEYS[1]) or ARGV[3])}
  end
end
local bal = tonumber(redis.call('GET', KEYS[1]) or ARGV[3]) + tonumber(ARGV[1])
redis.call('SET', KEYS[1], bal)
return {1, bal}
`)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr            string
	Password        string
	DB              int
	KeyPrefix       string
	StartingBalance int64
	RefTTL          time.Duration
}

// RedisStore keeps balances in Redis, using Lua scripts so each debit or
// credit is one atomic server-side operation.
type RedisStore struct {
	client          redis.UniversalClient
	prefix          string
	startingBalance int64
	refTTL          time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.RefTTL <= 0 {
		opts.RefTTL = defaultRefTTL
	}
	return &RedisStore{
		client:          client,
		prefix:          opts.KeyPrefix,
		startingBalance: opts.StartingBalance,
		refTTL:          opts.RefTTL,
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) balanceKey(participantID string) string {
	return s.prefix + ":balance:" + participantID
}

func (s *RedisStore) refKey(ref string) string {
	return s.prefix + ":credit-ref:" + ref
}

func (s *RedisStore) Balance(ctx context.Context, participantID string) (int64, error) {
	bal, err := s.client.Get(ctx, s.balanceKey(participantID)).Int64()
	if err == redis.Nil {
		return s.startingBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return bal, nil
}

func (s *RedisStore) Debit(ctx context.Context, participantID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	ok, bal, err := runScript(ctx, s.client, debitScript,
		[]string{s.balanceKey(participantID)},
		amount, s.startingBalance)
	if err != nil {
		return 0, err
	}
	if !ok {
		return bal, ErrInsufficientFunds
	}
	return bal, nil
}

func (s *RedisStore) Credit(ctx context.Context, participantID string, amount int64, ref string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	refKey := s.refKey("-")
	if ref != "" {
		refKey = s.refKey(ref)
	}
	_, bal, err := runScript(ctx, s.client, creditScript,
		[]string{s.balanceKey(participantID), refKey},
		amount, ref, s.startingBalance, int64(s.refTTL/time.Second))
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func runScript(ctx context.Context, client redis.UniversalClient, script *redis.Script, keys []string, args ...any) (bool, int64, error) {
	res, err := script.Run(ctx, client, keys, args...).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, res)
	}
	return res[0] == 1, res[1], nil
}
