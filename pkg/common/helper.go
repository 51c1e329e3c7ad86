package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"klinefeed.com/pkg/logger"
	"klinefeed.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按错误分类回包；对外只回 code + message，细节进日志
func FailErr(c *gin.Context, err error) {
	status := xerr.HTTPStatus(err)
	msg := xerr.MapErrMsg(status)
	var ce *xerr.CodeError
	if errors.As(err, &ce) {
		msg = ce.Msg
	}
	if status >= http.StatusInternalServerError {
		logger.Warn(c.Request.Context(), "http error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	Fail(c, status, status, msg)
}
