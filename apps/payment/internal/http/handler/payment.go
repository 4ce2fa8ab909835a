package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/common"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/shopspring/decimal"
)

type PaymentAPI interface {
	CreatePaymentRequest(ctx context.Context, userID string, usdAmount decimal.Decimal, expirationMinutes int) (*domain.PaymentRequest, error)
	VerifyPayment(ctx context.Context, id string) (*service.VerifyResult, error)
	CancelPayment(ctx context.Context, id string) (bool, error)
	GetPendingPayments(ctx context.Context, userID string) []*domain.PaymentRequest
}

type Payment struct {
	Payments PaymentAPI
	Price    domain.PriceFeed
}

type createPaymentReq struct {
	UserID            string          `json:"userId" binding:"required"`
	UsdAmount         decimal.Decimal `json:"usdAmount"`
	ExpirationMinutes int             `json:"expirationMinutes"`
}

// Create POST /api/payments
func (h *Payment) Create(c *gin.Context) {
	var req createPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.RequestParamsError, "invalid request body"))
		return
	}
	p, err := h.Payments.CreatePaymentRequest(c.Request.Context(), req.UserID, req.UsdAmount, req.ExpirationMinutes)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, p)
}

// Verify GET /api/payments/:id/verify
func (h *Payment) Verify(c *gin.Context) {
	res, err := h.Payments.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}

// Cancel POST /api/payments/:id/cancel
func (h *Payment) Cancel(c *gin.Context) {
	ok, err := h.Payments.CancelPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"cancelled": ok})
}

// Pending GET /api/users/:userId/payments/pending
func (h *Payment) Pending(c *gin.Context) {
	list := h.Payments.GetPendingPayments(c.Request.Context(), c.Param("userId"))
	if list == nil {
		list = []*domain.PaymentRequest{}
	}
	common.Success(c, list)
}

// GetPrice GET /api/price/:currency
func (h *Payment) GetPrice(c *gin.Context) {
	cur := strings.ToUpper(c.Param("currency"))
	if cur != service.QuoteCurrency {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "only USD is supported"))
		return
	}
	common.Success(c, h.Price.GetCurrentPrice(c.Request.Context(), cur))
}
