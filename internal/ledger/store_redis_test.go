package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStore(t *testing.T, defaultBalance int64) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, defaultBalance), mr
}

func TestParseDebitResult(t *testing.T) {
	tests := []struct {
		name    string
		reply   []any
		bal     int64
		ok      bool
		wantErr bool
	}{
		{name: "debited", reply: []any{int64(1), int64(15)}, bal: 15, ok: true},
		{name: "refused", reply: []any{int64(0), int64(3)}, bal: 3, ok: false},
		{name: "short reply", reply: []any{int64(1)}, wantErr: true},
		{name: "garbage", reply: []any{"x", int64(1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bal, ok, err := parseDebitResult(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDebitResult: %v", err)
			}
			if bal != tt.bal || ok != tt.ok {
				t.Fatalf("got (%d, %v), want (%d, %v)", bal, ok, tt.bal, tt.ok)
			}
		})
	}
}

func TestRedisKeyNamespacesPrincipal(t *testing.T) {
	if got := redisKey("guest:abc"); got != "tryon:tokens:guest:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestRedisBalanceDefaultsWithoutWriting(t *testing.T) {
	store, mr := newMiniRedisStore(t, 20)
	bal, err := store.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
	assert.False(t, mr.Exists(redisKey("user-1")))
}

func TestRedisDebitSeedsDefaultOnFirstTouch(t *testing.T) {
	store, mr := newMiniRedisStore(t, 20)
	ctx := context.Background()

	bal, ok, err := store.DebitIfSufficient(ctx, "user-1", 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(13), bal)

	raw, err := mr.Get(redisKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "13", raw)
}

func TestRedisDebitRefusesShortBalance(t *testing.T) {
	store, mr := newMiniRedisStore(t, 0)
	ctx := context.Background()
	require.NoError(t, mr.Set(redisKey("user-1"), "5"))

	bal, ok, err := store.DebitIfSufficient(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(5), bal)

	raw, err := mr.Get(redisKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "5", raw)

	bal, ok, err = store.DebitIfSufficient(ctx, "user-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), bal)
}

func TestRedisCreditSeedsMissingKey(t *testing.T) {
	store, mr := newMiniRedisStore(t, 20)
	ctx := context.Background()

	bal, err := store.Credit(ctx, "user-2", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)

	require.NoError(t, mr.Set(redisKey("user-3"), "4"))
	bal, err = store.Credit(ctx, "user-3", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}

func TestRedisRejectsNonPositiveAmounts(t *testing.T) {
	store, _ := newMiniRedisStore(t, 20)
	ctx := context.Background()

	_, _, err := store.DebitIfSufficient(ctx, "user-1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = store.Credit(ctx, "user-1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRedisConcurrentDebitsNeverOverdraw(t *testing.T) {
	store, mr := newMiniRedisStore(t, 50)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.DebitIfSufficient(ctx, "user-1", 10)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
	raw, err := mr.Get(redisKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "0", raw)
}
