package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"klinefeed.com/pkg/common"
	"klinefeed.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// 写入 request context，日志自动带 request_id
		ctx := context.WithValue(c.Request.Context(), logger.RequestIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
