package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rediskey "flashsale/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, cfg Config) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewController(rdb, cfg, zerolog.Nop()), mr
}

var saleStart = time.Date(2026, 11, 11, 0, 0, 0, 0, time.UTC)

func TestBurstAdmitsExactlyBucketCapacity(t *testing.T) {
	ctrl, _ := newController(t, Config{MaxTokens: 5, RefillRate: 1, GlobalRateLimit: 1000})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 8; i++ {
		// 同一秒内的突发请求，间隔 10ms，补充量不足一个令牌
		d := ctrl.Admit(ctx, "user-1", saleStart.Add(time.Duration(i)*10*time.Millisecond))
		if d.Allowed {
			allowed++
		} else {
			assert.Equal(t, ReasonUserLimit, d.Reason)
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestSteadyRateBelowRefillNeverRejected(t *testing.T) {
	ctrl, _ := newController(t, Config{MaxTokens: 2, RefillRate: 2, GlobalRateLimit: 1000})
	ctx := context.Background()

	now := saleStart
	for i := 0; i < 100; i++ {
		d := ctrl.Admit(ctx, "steady", now)
		require.True(t, d.Allowed, "request %d rejected", i)
		now = now.Add(600 * time.Millisecond)
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	ctrl, _ := newController(t, Config{MaxTokens: 1, RefillRate: 4, GlobalRateLimit: 1000})
	ctx := context.Background()

	require.True(t, ctrl.Admit(ctx, "u", saleStart).Allowed)
	assert.False(t, ctrl.Admit(ctx, "u", saleStart.Add(100*time.Millisecond)).Allowed)
	// 0.25s 正好补回一个令牌
	assert.True(t, ctrl.Admit(ctx, "u", saleStart.Add(250*time.Millisecond)).Allowed)
}

func TestBucketIsPerIdentityAndExpires(t *testing.T) {
	ctrl, mr := newController(t, Config{MaxTokens: 1, RefillRate: 1, GlobalRateLimit: 1000, BucketTTL: time.Hour})
	ctx := context.Background()

	assert.True(t, ctrl.Admit(ctx, "a", saleStart).Allowed)
	assert.True(t, ctrl.Admit(ctx, "b", saleStart).Allowed)
	assert.False(t, ctrl.Admit(ctx, "a", saleStart).Allowed)

	assert.Equal(t, time.Hour, mr.TTL(rediskey.TokenBucketKey("a")))
}

func TestConcurrentSameIdentityDoesNotOverAdmit(t *testing.T) {
	ctrl, _ := newController(t, Config{MaxTokens: 10, RefillRate: 0.001, GlobalRateLimit: 100000})
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctrl.Admit(ctx, "hot-user", saleStart).Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed)
}

func TestGlobalBudgetPerSecond(t *testing.T) {
	ctrl, mr := newController(t, Config{MaxTokens: 100, RefillRate: 100, GlobalRateLimit: 2000})
	ctx := context.Background()

	// 3000 req/s 持续 2 秒
	perSecond := make([]int, 2)
	for sec := 0; sec < 2; sec++ {
		base := saleStart.Add(time.Duration(sec) * time.Second)
		for i := 0; i < 3000; i++ {
			now := base.Add(time.Duration(i) * 300 * time.Microsecond)
			d := ctrl.Admit(ctx, fmt.Sprintf("ip-%d", i), now)
			if d.Allowed {
				perSecond[sec]++
			} else {
				assert.Equal(t, ReasonGlobalLimit, d.Reason)
			}
		}
	}
	assert.Equal(t, 2000, perSecond[0])
	assert.LessOrEqual(t, perSecond[1], 2000)

	assert.Equal(t, 5*time.Second, mr.TTL(rediskey.GlobalRateKey(saleStart.Unix())))
}

func TestGlobalBudgetCountsTrailingSecond(t *testing.T) {
	ctrl, _ := newController(t, Config{MaxTokens: 100, RefillRate: 1, GlobalRateLimit: 10})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.True(t, ctrl.Admit(ctx, "u", saleStart.Add(900*time.Millisecond)).Allowed)
	}
	next := saleStart.Add(1100 * time.Millisecond)
	allowed := 0
	for i := 0; i < 10; i++ {
		if ctrl.Admit(ctx, "u", next).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 4, allowed)
}

func TestFailOpenWhenStoreUnavailable(t *testing.T) {
	ctrl, mr := newController(t, Config{MaxTokens: 1, RefillRate: 1, GlobalRateLimit: 1})
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := ctrl.Admit(ctx, "anyone", saleStart)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}
