package middleware

import (
	"fmt"
	"net/http"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/common"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

const codeServiceBusy = 503001

// SentinelResource 资源名：METHOD:/route，例如 POST:/api/admin/sweeps/force
func SentinelResource(c *gin.Context) string {
	return c.Request.Method + ":" + routeOf(c)
}

// Sentinel 按路由做流控；没有配置规则的资源 sentinel 直接放行
func Sentinel() gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := SentinelResource(c)
		entry, blockError := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockError != nil {
			logger.Warn(c, "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("blockType", blockError.BlockType().String()),
				zap.String("blockMsg", blockError.Error()),
			)
			common.Fail(c, http.StatusTooManyRequests, codeServiceBusy, "service is busy, please try again later")
			c.Abort()
			return
		}
		// Exit 负责统计耗时和成功/失败
		defer entry.Exit()

		c.Next()

		// 只有 5xx 记给 sentinel，业务拒绝不算
		if c.Writer.Status() >= http.StatusInternalServerError {
			sentinels.TraceError(entry, fmt.Errorf("http status %d", c.Writer.Status()))
		}
	}
}
