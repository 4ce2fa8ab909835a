package router

import (
	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/handler"
)

func Admin(api *gin.RouterGroup, h *handler.Admin) {
	admin := api.Group("/admin")
	{
		admin.GET("/addresses", h.AddressList)
		admin.GET("/stats", h.Stats)
		admin.GET("/monitor", h.MonitorStatus)
		admin.GET("/sweeps", h.SweepList)
		admin.POST("/sweeps/force", h.ForceSweep)
		admin.POST("/sweeps/:address", h.SweepOne)
	}
}
