package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxvaer/fofasweep/internal/record"
)

func rec(host string) record.Record { return record.Record{Host: host} }

func TestSeenSet_AcceptOnce(t *testing.T) {
	s := NewSeenSet()
	ctx := context.Background()

	ok, err := s.Accept(ctx, rec("a.com"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Accept(ctx, rec("a.com"))
	require.NoError(t, err)
	assert.False(t, ok, "second accept of the same host")
	assert.Equal(t, 1, s.size())
}

func TestSeenSet_SeededHostsRejected(t *testing.T) {
	s := NewSeenSet()
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx, rec("a.com"), rec("b.com")))

	ok, _ := s.Accept(ctx, rec("a.com"))
	assert.False(t, ok)
	ok, _ = s.Accept(ctx, rec("c.com"))
	assert.True(t, ok)
	assert.True(t, s.contains("b.com"))
}

func TestSeenSet_ConcurrentAcceptSingleWinner(t *testing.T) {
	s := NewSeenSet()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Accept(context.Background(), rec("same.com")); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// fakeRedis implements setNXer over a map.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = exp
	return redis.NewBoolResult(true, nil)
}

func TestRedisSet_PrefixAndTTL(t *testing.T) {
	fr := &fakeRedis{keys: map[string]time.Duration{}}
	s := newRedisSet(fr, "seen:", time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Seed(ctx, rec("a.com")))
	ok, err := s.Accept(ctx, rec("a.com"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Accept(ctx, rec("b.com"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, time.Hour, fr.keys["seen:b.com"])
	assert.Len(t, fr.keys, 2)
}

func TestRedisSet_ErrorSurfaced(t *testing.T) {
	fr := &fakeRedis{keys: map[string]time.Duration{}, err: errors.New("connection refused")}
	s := newRedisSet(fr, "", 0)

	_, err := s.Accept(context.Background(), rec("a.com"))
	assert.ErrorContains(t, err, "connection refused")
}

func TestChain_NearSetLearnsFarHosts(t *testing.T) {
	ctx := context.Background()
	local := NewSeenSet()
	fr := &fakeRedis{keys: map[string]time.Duration{"p:a.com": 0}}
	chain := NewChain(local)
	chain.Add(newRedisSet(fr, "p:", 0))

	ok, err := chain.Accept(ctx, rec("a.com"))
	require.NoError(t, err)
	assert.False(t, ok, "host already in redis")
	assert.True(t, local.contains("a.com"))

	ok, err = chain.Accept(ctx, rec("b.com"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Now answered locally; redis would fail.
	fr.err = errors.New("down")
	ok, err = chain.Accept(ctx, rec("b.com"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChain_SeedAll(t *testing.T) {
	ctx := context.Background()
	local := NewSeenSet()
	fr := &fakeRedis{keys: map[string]time.Duration{}}
	chain := NewChain(local, newRedisSet(fr, "", 0))

	var recs []record.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, rec(fmt.Sprintf("h%d.com", i)))
	}
	require.NoError(t, chain.Seed(ctx, recs...))
	assert.Equal(t, 5, local.size())
	assert.Len(t, fr.keys, 5)
}
