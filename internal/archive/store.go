// Package archive 把订单终态持久化到关系库（gorm），Redis 数据丢失时仍可查询。
package archive

import (
	"context"
	"errors"

	"flashsale/internal/metrics"
	"flashsale/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate 建表。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&model.Order{})
}

// Archive 幂等写入：order_id 冲突时忽略。
func (s *Store) Archive(ctx context.Context, order model.Order) error {
	order.ID = 0
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(&order)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		metrics.ArchivedOrders.Inc()
	}
	return nil
}

// Get 按 order_id 查询归档订单。found=false 表示不存在。
func (s *Store) Get(ctx context.Context, orderID string) (model.Order, bool, error) {
	var o model.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}
