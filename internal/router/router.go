package router

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"flashsale/internal/catalog"
	"flashsale/internal/inventory"
	"flashsale/internal/middleware"
	"flashsale/internal/model"
	"flashsale/internal/orderstatus"
	"flashsale/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps 是路由依赖的全部组件。
type Deps struct {
	Catalog    *catalog.Catalog
	Admission  middleware.Admitter
	Engine     *inventory.Engine
	Submitter  *queue.Submitter
	Orders     *orderstatus.Store
	AdminToken string
	Log        zerolog.Logger
	// Now 可在测试中替换，默认 time.Now
	Now func() time.Time
}

type handlers struct {
	Deps
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// Products
	r.GET("/api/products", h.listProducts)
	// flash Sale
	admit := middleware.Admission(d.Admission)
	r.POST("/api/flash_sale/buy", admit, h.buy)
	r.POST("/api/flash_sale/enqueue", admit, h.enqueue)
	r.GET("/api/flash_sale/orders/:order_id", h.getOrder)
	r.GET("/api/flash_sale/stock/:product_id", h.getStock)
	r.POST("/api/flash_sale/preload/:product_id", h.preloadStock)
}

type buyRequest struct {
	ProductID uint   `json:"product_id" binding:"required,min=1"`
	UserID    string `json:"user_id" binding:"max=128"`
}

var errUnknownProduct = errors.New("unknown product")

func fail(c *gin.Context, status int, reason, msg string) {
	body := gin.H{"code": status, "msg": msg}
	if reason != "" {
		body["reason"] = reason
	}
	c.AbortWithStatusJSON(status, body)
}

// failErr 把领域错误映射为 HTTP 状态码和 reason；data 非空时一并返回（如 order_id）。
func failErr(c *gin.Context, err error, data gin.H) {
	status, reason, msg := http.StatusInternalServerError, "", err.Error()
	switch {
	case errors.Is(err, errUnknownProduct):
		status, reason, msg = http.StatusNotFound, "unknown_product", "商品不存在"
	case errors.Is(err, inventory.ErrSaleNotActive):
		status, reason, msg = http.StatusBadRequest, "sale_not_active", "不在秒杀时间段内"
	case errors.Is(err, inventory.ErrOutOfStock):
		status, reason, msg = http.StatusConflict, model.ReasonOutOfStock, "库存不足"
	case errors.Is(err, model.ErrStoreUnavailable):
		status, reason, msg = http.StatusServiceUnavailable, "store_unavailable", "服务繁忙，请稍后再试"
	}
	body := gin.H{"code": status, "msg": msg}
	if reason != "" {
		body["reason"] = reason
	}
	if data != nil {
		body["data"] = data
	}
	c.AbortWithStatusJSON(status, body)
}

// listProducts 查询商品列表。
func (h *handlers) listProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": h.Catalog.List()})
}

// bind 解析请求体并确定下单用户。
// 限流身份与订单 user_id 同源：中间件已按 X-User-ID 头 > body user_id 解析出用户，
// 两者都没有时用准入身份（IP）。
func bind(c *gin.Context) (buyRequest, bool) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return req, false
	}
	if uid := c.GetString(middleware.UserIDKey); uid != "" {
		req.UserID = uid
	} else if req.UserID == "" {
		req.UserID = c.GetString(middleware.IdentityKey)
	}
	return req, true
}

// checkout 查询商品并校验活动时间窗。
func (h *handlers) checkout(productID uint) (model.Product, error) {
	p, ok := h.Catalog.Product(productID)
	if !ok {
		return p, errUnknownProduct
	}
	if !p.Active(h.Now()) {
		return p, inventory.ErrSaleNotActive
	}
	return p, nil
}

// buy 同步秒杀：准入（中间件）→ 时间窗 → Lua 原子扣减并落单。
func (h *handlers) buy(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	p, err := h.checkout(req.ProductID)
	if err != nil {
		failErr(c, err, nil)
		return
	}

	res, err := h.Engine.Reserve(c.Request.Context(), inventory.ReserveRequest{
		ProductID: p.ID,
		UserID:    req.UserID,
		Price:     p.SalePrice,
		Now:       h.Now(),
	})
	if err != nil {
		// 结果未知（脚本可能已执行），返回 order_id 让调用方查询订单状态
		h.Log.Error().Err(err).Str("order_id", res.OrderID).Msg("reserve failed")
		failErr(c, err, gin.H{"order_id": res.OrderID})
		return
	}
	if err := res.Err(); err != nil {
		failErr(c, err, gin.H{"order_id": res.OrderID, "status": res.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"order_id": res.OrderID,
			"status":   res.Status,
			"price":    p.SalePrice,
		},
	})
}

// enqueue 异步秒杀：预登记 pending 后入队，由后台消费者落终态。
func (h *handlers) enqueue(c *gin.Context) {
	req, ok := bind(c)
	if !ok {
		return
	}
	p, err := h.checkout(req.ProductID)
	if err != nil {
		failErr(c, err, nil)
		return
	}

	orderID, err := h.Submitter.Submit(c.Request.Context(), p.ID, req.UserID, p.SalePrice, h.Now())
	if err != nil {
		h.Log.Error().Err(err).Uint("product_id", p.ID).Msg("enqueue failed")
		failErr(c, err, nil)
		return
	}
	// 这里不直接返回结果，因为扣减是异步的。
	c.JSON(http.StatusAccepted, gin.H{
		"code": 0,
		"data": gin.H{"order_id": orderID, "status": model.OrderPending},
	})
}

// getOrder 根据 order_id 查询订单状态
func (h *handlers) getOrder(c *gin.Context) {
	o, err := h.Orders.Get(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		if errors.Is(err, orderstatus.ErrNotFound) {
			fail(c, http.StatusNotFound, "not_found", "订单不存在")
			return
		}
		h.Log.Error().Err(err).Msg("get order failed")
		failErr(c, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
}

func parseProductID(c *gin.Context) (uint, bool) {
	// 32 bit 十进制
	id, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid_request", "商品ID无效")
		return 0, false
	}
	return uint(id), true
}

// getStock 查询 Redis 中的实时库存。
func (h *handlers) getStock(c *gin.Context) {
	id, ok := parseProductID(c)
	if !ok {
		return
	}
	stock, err := h.Engine.Stock(c.Request.Context(), id)
	if err != nil {
		failErr(c, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"product_id": id, "stock": stock}})
}

// preloadStock 将商品初始库存强制写入 Redis。
// 该接口要求简单管理员 token，避免被任意调用重置库存。
func (h *handlers) preloadStock(c *gin.Context) {
	if h.AdminToken == "" || c.GetHeader("X-Admin-Token") != h.AdminToken {
		fail(c, http.StatusUnauthorized, "", "admin token 无效")
		return
	}
	id, ok := parseProductID(c)
	if !ok {
		return
	}
	p, found := h.Catalog.Product(id)
	if !found {
		failErr(c, errUnknownProduct, nil)
		return
	}
	if _, err := h.Engine.Preload(c.Request.Context(), id, p.InitialQuantity, true); err != nil {
		failErr(c, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err), nil)
		return
	}
	h.Log.Info().Uint("product_id", id).Int64("stock", p.InitialQuantity).Msg("stock preloaded")
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功", "data": gin.H{"stock": p.InitialQuantity}})
}
