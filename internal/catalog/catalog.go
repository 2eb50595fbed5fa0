// Package catalog 持有秒杀商品。启动时写入 DB 一次，之后只读内存快照。
package catalog

import (
	"context"
	"fmt"
	"sort"

	"flashsale/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog 是不可变的商品快照，可被多个 goroutine 并发读取。
type Catalog struct {
	byID map[uint]model.Product
	list []model.Product
}

// Seed 将种子商品 upsert 到 products 表，再从表中加载快照。
func Seed(ctx context.Context, db *gorm.DB, products []model.Product) (*Catalog, error) {
	if err := db.WithContext(ctx).AutoMigrate(&model.Product{}); err != nil {
		return nil, fmt.Errorf("migrate products: %w", err)
	}
	for i := range products {
		if err := products[i].Validate(); err != nil {
			return nil, fmt.Errorf("product %d: %w", products[i].ID, err)
		}
	}
	if len(products) > 0 {
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "description", "original_price", "sale_price",
					"initial_quantity", "start_time", "end_time", "updated_at",
				}),
			}).
			Create(&products).Error
		if err != nil {
			return nil, fmt.Errorf("seed products: %w", err)
		}
	}
	return Load(ctx, db)
}

// Load 从 products 表读取全部商品。
func Load(ctx context.Context, db *gorm.DB) (*Catalog, error) {
	var list []model.Product
	if err := db.WithContext(ctx).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	return New(list), nil
}

// New 直接用给定商品构建快照。
func New(products []model.Product) *Catalog {
	c := &Catalog{byID: make(map[uint]model.Product, len(products))}
	for _, p := range products {
		c.byID[p.ID] = p
	}
	c.list = make([]model.Product, 0, len(c.byID))
	for _, p := range c.byID {
		c.list = append(c.list, p)
	}
	sort.Slice(c.list, func(i, j int) bool { return c.list[i].ID < c.list[j].ID })
	return c
}

func (c *Catalog) Product(id uint) (model.Product, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// List 返回按 ID 排序的副本。
func (c *Catalog) List() []model.Product {
	out := make([]model.Product, len(c.list))
	copy(out, c.list)
	return out
}
