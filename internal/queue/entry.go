package queue

import (
	"encoding/json"
	"fmt"
)

// Entry 是异步下单队列里的消息信封，序列化为扁平 JSON 对象。
type Entry struct {
	OrderID   string `json:"order_id"`
	ProductID uint   `json:"product_id"`
	UserID    string `json:"user_id"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e Entry) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if e.ProductID == 0 {
		return fmt.Errorf("product_id is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

func (e Entry) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEntry 解析并校验队列消息。
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
