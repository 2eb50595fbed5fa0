// Package admission 决定一个秒杀请求能否进入库存扣减路径。
//
// 两道闸：全局每秒预算（当前秒 + 上一秒计数，平滑固定窗口的边界突刺）
// 和按身份的令牌桶。令牌桶的"补充 + 消费"在一个 Lua 脚本里完成，
// 同一身份的并发请求不会因为读后写竞争而超发令牌。
//
// Redis 不可用时放行（fail-open）：限流只是削峰，真正的正确性由库存扣减保证。
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"flashsale/internal/metrics"
	rediskey "flashsale/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Reason 拒绝原因。
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonGlobalLimit Reason = "global_limit_exceeded"
	ReasonUserLimit   Reason = "user_limit_exceeded"
)

// Decision 是一次准入判断的结果。Degraded=true 表示因存储故障被动放行。
type Decision struct {
	Allowed  bool
	Reason   Reason
	Degraded bool
	// Tokens 为本次判断后桶内剩余令牌，仅用于观测。
	Tokens float64
}

// Config 准入参数。
type Config struct {
	MaxTokens       int
	RefillRate      float64 // 每秒补充的令牌数
	GlobalRateLimit int     // 全局每秒请求预算
	BucketTTL       time.Duration
	GlobalTTL       time.Duration
}

// luaTokenBucket：令牌桶原子补充 + 消费
// KEYS[1]=桶 key，ARGV[1]=容量，ARGV[2]=每秒补充速率，ARGV[3]=当前时间（秒，带小数），ARGV[4]=过期秒数
// 返回：{1|0, 剩余令牌}；拒绝时不落盘，下次仍从 last_refill 计算补充量
const luaTokenBucket = `
local key = KEYS[1]
local maxTokens = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = maxTokens
  last = now
end

-- 多节点时钟可能回拨，不允许负的补充量
local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(maxTokens, tokens + elapsed * rate)

if tokens < 1 then
  return {0, tostring(tokens)}
end

tokens = tokens - 1
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)
return {1, tostring(tokens)}
`

var tokenBucketScript = rd.NewScript(luaTokenBucket)

// Controller 准入控制器，本身无状态，所有计数都在 Redis。
type Controller struct {
	rdb rd.Cmdable
	cfg Config
	log zerolog.Logger
}

func NewController(rdb rd.Cmdable, cfg Config, log zerolog.Logger) *Controller {
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = time.Hour
	}
	if cfg.GlobalTTL <= 0 {
		cfg.GlobalTTL = 5 * time.Second
	}
	return &Controller{rdb: rdb, cfg: cfg, log: log}
}

// Admit 判断 identity 在 now 时刻能否放行。
// 每次调用都会累加当前秒的全局计数；只有放行时才消耗令牌。
func (c *Controller) Admit(ctx context.Context, identity string, now time.Time) Decision {
	ok, err := c.checkGlobal(ctx, now)
	if err != nil {
		return c.failOpen(identity, "global", err)
	}
	if !ok {
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonGlobalLimit)).Inc()
		return Decision{Reason: ReasonGlobalLimit}
	}

	allowed, tokens, err := c.takeToken(ctx, identity, now)
	if err != nil {
		return c.failOpen(identity, "bucket", err)
	}
	if !allowed {
		metrics.AdmissionDecisions.WithLabelValues(string(ReasonUserLimit)).Inc()
		return Decision{Reason: ReasonUserLimit, Tokens: tokens}
	}
	metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true, Tokens: tokens}
}

// checkGlobal 读上一秒计数、累加当前秒计数，二者之和不得超过预算。
func (c *Controller) checkGlobal(ctx context.Context, now time.Time) (bool, error) {
	sec := now.Unix()
	curKey := rediskey.GlobalRateKey(sec)

	pipe := c.rdb.TxPipeline()
	prevCmd := pipe.Get(ctx, rediskey.GlobalRateKey(sec-1))
	curCmd := pipe.Incr(ctx, curKey)
	pipe.Expire(ctx, curKey, c.cfg.GlobalTTL)
	// 上一秒 key 不存在时 Exec 返回 rd.Nil，属于正常情况
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, rd.Nil) {
		return false, err
	}

	cur, err := curCmd.Result()
	if err != nil {
		return false, err
	}
	prev, err := prevCmd.Int64()
	if err != nil && !errors.Is(err, rd.Nil) {
		return false, err
	}
	return prev+cur <= int64(c.cfg.GlobalRateLimit), nil
}

func (c *Controller) takeToken(ctx context.Context, identity string, now time.Time) (bool, float64, error) {
	nowSec := float64(now.UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, c.rdb, []string{rediskey.TokenBucketKey(identity)},
		c.cfg.MaxTokens,
		strconv.FormatFloat(c.cfg.RefillRate, 'f', -1, 64),
		strconv.FormatFloat(nowSec, 'f', 6, 64),
		int64(c.cfg.BucketTTL/time.Second),
	).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	flag, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token bucket flag type %T", res[0])
	}
	var tokens float64
	if s, ok := res[1].(string); ok {
		tokens, _ = strconv.ParseFloat(s, 64)
	}
	return flag == 1, tokens, nil
}

func (c *Controller) failOpen(identity, stage string, err error) Decision {
	c.log.Warn().Err(err).Str("identity", identity).Str("stage", stage).
		Msg("admission store unavailable, failing open")
	metrics.AdmissionDecisions.WithLabelValues("fail_open").Inc()
	return Decision{Allowed: true, Degraded: true}
}
