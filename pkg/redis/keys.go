package redis

import "fmt"

const (
	// DefaultOrderQueueKey 异步下单队列（list，RPUSH 入队 / BLPOP 出队）。
	DefaultOrderQueueKey = "flash_sale:queue:orders"
	// DefaultOrderEventStream 订单终态事件流，Relay 异步转发 Kafka。
	DefaultOrderEventStream = "flash_sale:order_events"
)

// StockKey 统一约定商品库存键名。
func StockKey(productID uint) string {
	return fmt.Sprintf("flash_sale:stock:%d", productID)
}

// OrderKey 存储 order_id 的订单结果（hash）。
func OrderKey(orderID string) string {
	return fmt.Sprintf("flash_sale:order:%s", orderID)
}

// GlobalRateKey 全局限流按整秒分桶计数。
func GlobalRateKey(unixSecond int64) string {
	return fmt.Sprintf("flash_sale:rate:global:%d", unixSecond)
}

// TokenBucketKey 单个身份（用户 ID 或 IP）的令牌桶。
func TokenBucketKey(identity string) string {
	return fmt.Sprintf("flash_sale:rate:bucket:%s", identity)
}
