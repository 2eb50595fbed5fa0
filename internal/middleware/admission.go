package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"flashsale/internal/admission"

	"github.com/gin-gonic/gin"
)

// gin.Context 中的 key：IdentityKey 为准入身份；UserIDKey 为调用方声明的用户，
// handler 用它作为订单 user_id，与限流身份保持一致。
const (
	IdentityKey = "flash_sale.identity"
	UserIDKey   = "flash_sale.user_id"
)

// UserIDHeader 调用方声明的用户标识。
const UserIDHeader = "X-User-ID"

// Admitter 抽象准入控制器，便于测试替换。
type Admitter interface {
	Admit(ctx context.Context, identity string, now time.Time) admission.Decision
}

// Admission 准入中间件：全局预算 + 按身份令牌桶；被拒绝时返回 429。
// Redis 故障时控制器自身放行，这里不再做降级判断。
func Admission(ctrl Admitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, identity := Caller(c)
		c.Set(IdentityKey, identity)
		c.Set(UserIDKey, userID)

		d := ctrl.Admit(c.Request.Context(), identity, time.Now())
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":   429,
				"msg":    "请求过于频繁，请稍后再试",
				"reason": string(d.Reason),
			})
			return
		}
		c.Next()
	}
}

// Caller 解析调用方。用户按 X-User-ID 头 > body 中的 user_id 取，二者冲突时以头为准；
// 都没有时 userID 为空，身份退化为客户端 IP。
func Caller(c *gin.Context) (userID, identity string) {
	userID = strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		userID, _ = extractUserID(c)
	}
	if userID != "" {
		return userID, "user:" + userID
	}
	return "", "ip:" + c.ClientIP()
}

// extractUserID 从请求 body 中解析 user_id（不消耗 body，可重复读）
func extractUserID(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return "", nil
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	// 重置 body，让后续 handler 能继续读
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.UserID), nil
}
