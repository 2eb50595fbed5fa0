package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flashsale/internal/inventory"
	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "test:queue"

type products map[uint]model.Product

func (p products) Product(id uint) (model.Product, bool) {
	v, ok := p[id]
	return v, ok
}

var catalog = products{
	1: {ID: 1, Name: "phone", SalePrice: 9900, InitialQuantity: 10},
	2: {ID: 2, Name: "case", SalePrice: 500, InitialQuantity: 5},
}

func newRedis(t *testing.T) (*rd.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), PoolSize: 64})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func newProcessor(rdb *rd.Client, stream string) *Processor {
	return NewProcessor(rdb, catalog, ProcessorConfig{
		QueueKey:     testQueue,
		EventStream:  stream,
		PopTimeout:   time.Second,
		ErrorBackoff: 10 * time.Millisecond,
		MaxAttempts:  3,
	}, zerolog.Nop())
}

// runProcessor 在后台运行消费循环，测试结束时停止。
func runProcessor(t *testing.T, proc *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, rdb *rd.Client, id string) model.Order {
	t.Helper()
	var o model.Order
	require.Eventually(t, func() bool {
		got, found, err := rediskey.GetOrder(context.Background(), rdb, id)
		if err != nil || !found || !got.Status.Terminal() {
			return false
		}
		o = got
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return o
}

func TestEntryValidation(t *testing.T) {
	_, err := Entry{ProductID: 1, UserID: "u"}.Encode()
	assert.Error(t, err)

	b, err := Entry{OrderID: "o1", ProductID: 1, UserID: "u"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"o1","product_id":1,"user_id":"u"}`, string(b))

	e, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, "o1", e.OrderID)

	_, err = DecodeEntry([]byte(`{"order_id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeEntry([]byte(`not json`))
	assert.Error(t, err)
}

func TestSubmitRegistersPendingAndEnqueues(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	sub := NewSubmitter(rdb, testQueue)

	id, err := sub.Submit(ctx, 1, "alice", 9900, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	o, found, err := rediskey.GetOrder(ctx, rdb, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.Equal(t, model.SourceQueue, o.Source)

	items, err := rdb.LRange(ctx, testQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	e, err := DecodeEntry([]byte(items[0]))
	require.NoError(t, err)
	assert.Equal(t, Entry{OrderID: id, ProductID: 1, UserID: "alice"}, e)
}

func TestProcessConcurrentNeverOversells(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(1), 10, 0).Err())
	proc := newProcessor(rdb, "")

	const n = 50
	statuses := make([]model.OrderStatus, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := proc.Process(ctx, Entry{OrderID: fmt.Sprintf("o-%d", i), ProductID: 1, UserID: "u"})
			assert.NoError(t, err)
			statuses[i] = s
		}(i)
	}
	wg.Wait()

	success := 0
	for _, s := range statuses {
		if s == model.OrderSuccess {
			success++
		}
	}
	assert.Equal(t, 10, success)
	stock, err := rdb.Get(ctx, rediskey.StockKey(1)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock)
}

func TestQueuedOrderAfterDirectPathExhaustedStock(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	eng := inventory.NewEngine(rdb, inventory.EventConfig{}, zerolog.Nop())
	_, err := eng.Preload(ctx, 1, 2, false)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		r, err := eng.Reserve(ctx, inventory.ReserveRequest{ProductID: 1, UserID: "direct", Price: 9900, Now: time.Now()})
		require.NoError(t, err)
		require.Equal(t, model.OrderSuccess, r.Status)
	}

	sub := NewSubmitter(rdb, testQueue)
	id, err := sub.Submit(ctx, 1, "late", 9900, time.Now())
	require.NoError(t, err)

	status, err := newProcessor(rdb, "").Process(ctx, Entry{OrderID: id, ProductID: 1, UserID: "late"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, status)

	o, _, err := rediskey.GetOrder(ctx, rdb, id)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, o.Status)
	assert.Equal(t, model.ReasonOutOfStock, o.Reason)

	stock, err := eng.Stock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock)
}

func TestProcessIsTerminalOnce(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(1), 5, 0).Err())
	proc := newProcessor(rdb, "events")

	e := Entry{OrderID: "dup", ProductID: 1, UserID: "u"}
	s1, err := proc.Process(ctx, e)
	require.NoError(t, err)
	s2, err := proc.Process(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, model.OrderSuccess, s1)
	assert.Equal(t, model.OrderSuccess, s2)
	stock, _ := rdb.Get(ctx, rediskey.StockKey(1)).Int64()
	assert.Equal(t, int64(4), stock)

	n, err := rdb.XLen(ctx, "events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessUnknownProduct(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()

	s, err := newProcessor(rdb, "").Process(ctx, Entry{OrderID: "x", ProductID: 99, UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, s)
	o, _, _ := rediskey.GetOrder(ctx, rdb, "x")
	assert.Equal(t, model.ReasonUnknownProduct, o.Reason)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(1), 3, 0).Err())

	// 脏消息应被丢弃，不影响后续消息
	require.NoError(t, rdb.RPush(ctx, testQueue, "garbage").Err())

	sub := NewSubmitter(rdb, testQueue)
	ids := make([]string, 5)
	for i := range ids {
		id, err := sub.Submit(ctx, 1, fmt.Sprintf("user-%d", i), 9900, time.Now())
		require.NoError(t, err)
		ids[i] = id
	}

	proc := newProcessor(rdb, "")
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			o, found, err := rediskey.GetOrder(context.Background(), rdb, id)
			if err != nil || !found || !o.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	success := 0
	for _, id := range ids {
		o, _, _ := rediskey.GetOrder(context.Background(), rdb, id)
		if o.Status == model.OrderSuccess {
			success++
		}
	}
	assert.Equal(t, 3, success)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("processor did not stop after cancel")
	}
}

func TestRunSurvivesStoreOutage(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := newProcessor(rdb, "")
	mr.SetError("ERR injected outage")
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	mr.SetError("")

	require.NoError(t, rdb.Set(context.Background(), rediskey.StockKey(1), 1, 0).Err())
	id, err := NewSubmitter(rdb, testQueue).Submit(context.Background(), 1, "u", 9900, time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, found, _ := rediskey.GetOrder(context.Background(), rdb, id)
		return found && o.Status == model.OrderSuccess
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestRunSkipsEntryThatKeepsFailing(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	// 库存 key 类型错误，product 1 的每次扣减都会 WRONGTYPE
	require.NoError(t, rdb.HSet(ctx, rediskey.StockKey(1), "oops", 1).Err())
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(2), 5, 0).Err())

	sub := NewSubmitter(rdb, testQueue)
	stuck, err := sub.Submit(ctx, 1, "u1", 9900, time.Now())
	require.NoError(t, err)
	healthy, err := sub.Submit(ctx, 2, "u2", 500, time.Now())
	require.NoError(t, err)

	runProcessor(t, newProcessor(rdb, ""))

	o := waitTerminal(t, rdb, healthy)
	assert.Equal(t, model.OrderSuccess, o.Status)

	o = waitTerminal(t, rdb, stuck)
	assert.Equal(t, model.OrderFailed, o.Status)
	assert.Equal(t, model.ReasonProcessingError, o.Reason)
	assert.Equal(t, int64(9900), o.Price)

	stock, err := rdb.Get(ctx, rediskey.StockKey(2)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stock)
}

func TestRunDeadLettersEntryWhenOrderUnwritable(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(1), 5, 0).Err())

	// 订单 key 不是 hash，既无法处理也无法落 failed
	require.NoError(t, rdb.Set(ctx, rediskey.OrderKey("broken"), "x", 0).Err())
	bad, err := Entry{OrderID: "broken", ProductID: 1, UserID: "u"}.Encode()
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(ctx, testQueue, bad).Err())
	healthy, err := NewSubmitter(rdb, testQueue).Submit(ctx, 1, "u", 9900, time.Now())
	require.NoError(t, err)

	runProcessor(t, newProcessor(rdb, ""))

	o := waitTerminal(t, rdb, healthy)
	assert.Equal(t, model.OrderSuccess, o.Status)

	dead, err := rdb.LRange(ctx, testQueue+":dead", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	e, err := DecodeEntry([]byte(dead[0]))
	require.NoError(t, err)
	assert.Equal(t, "broken", e.OrderID)
}

func TestRunFailsMalformedEntryWithOrderID(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, rediskey.StockKey(1), 5, 0).Err())

	require.NoError(t, rediskey.PutOrder(ctx, rdb, model.Order{
		OrderID: "bad-1", ProductID: 1, UserID: "u", Status: model.OrderPending, Price: 9900, Source: model.SourceQueue,
	}))
	require.NoError(t, rdb.RPush(ctx, testQueue, `{"order_id":"bad-1","user_id":"u"}`).Err())
	require.NoError(t, rdb.RPush(ctx, testQueue, `{"order_id":"ghost"}`).Err())
	healthy, err := NewSubmitter(rdb, testQueue).Submit(ctx, 1, "u", 9900, time.Now())
	require.NoError(t, err)

	runProcessor(t, newProcessor(rdb, ""))
	waitTerminal(t, rdb, healthy)

	o, found, err := rediskey.GetOrder(ctx, rdb, "bad-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.OrderFailed, o.Status)
	assert.Equal(t, model.ReasonInvalidEntry, o.Reason)
	assert.Equal(t, uint(1), o.ProductID)

	// 未登记过的 order_id 不凭空创建记录
	assert.False(t, mr.Exists(rediskey.OrderKey("ghost")))

	stock, _ := rdb.Get(ctx, rediskey.StockKey(1)).Int64()
	assert.Equal(t, int64(4), stock)
}

func TestProcessCapsEventStream(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	proc := NewProcessor(rdb, catalog, ProcessorConfig{
		QueueKey:    testQueue,
		EventStream: "events",
		EventMaxLen: 10,
	}, zerolog.Nop())

	for i := 0; i < 50; i++ {
		_, err := proc.Process(ctx, Entry{OrderID: fmt.Sprintf("o-%d", i), ProductID: 1, UserID: "u"})
		require.NoError(t, err)
	}
	n, err := rdb.XLen(ctx, "events").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(10))
	assert.Positive(t, n)
}

func TestSubmitFailsClosedOnStoreError(t *testing.T) {
	rdb, mr := newRedis(t)
	mr.Close()

	_, err := NewSubmitter(rdb, testQueue).Submit(context.Background(), 1, "u", 9900, time.Now())
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}
