package router

import (
	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/http/handler"
)

func Payment(api *gin.RouterGroup, h *handler.Payment) {
	payments := api.Group("/payments")
	{
		payments.POST("", h.Create)
		payments.GET("/:id/verify", h.Verify)
		payments.POST("/:id/cancel", h.Cancel)
	}
	api.GET("/users/:userId/payments/pending", h.Pending)
	api.GET("/price/:currency", h.GetPrice)
}
