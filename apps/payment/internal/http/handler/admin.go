package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/app/monitor"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/core/service"
	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/common"
)

type AddressAPI interface {
	ListAddresses(ctx context.Context) ([]*domain.DerivedAddress, error)
	Stats(ctx context.Context) (*domain.WalletStats, error)
}

type SweepAPI interface {
	Sweep(ctx context.Context, address string) (*service.SweepResult, error)
	ListSweeps(ctx context.Context, page, limit int) ([]*domain.SweepRecord, error)
}

type MonitorAPI interface {
	GetStatus() monitor.Status
	ForceSweepAll(ctx context.Context) monitor.PassReport
}

// Admin 运维查询和手动归集
type Admin struct {
	Addresses AddressAPI
	Sweeps    SweepAPI
	Monitor   MonitorAPI
}

func (h *Admin) AddressList(c *gin.Context) {
	list, err := h.Addresses.ListAddresses(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, list)
}

func (h *Admin) SweepList(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.Sweeps.ListSweeps(c.Request.Context(), page, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, list)
}

func (h *Admin) Stats(c *gin.Context) {
	st, err := h.Addresses.Stats(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, st)
}

func (h *Admin) MonitorStatus(c *gin.Context) {
	common.Success(c, h.Monitor.GetStatus())
}

// ForceSweep 同步跑完一轮再返回
func (h *Admin) ForceSweep(c *gin.Context) {
	common.Success(c, h.Monitor.ForceSweepAll(c.Request.Context()))
}

// SweepOne 业务性跳过（无余额、进行中）也是 200，结果里带 code
func (h *Admin) SweepOne(c *gin.Context) {
	res, err := h.Sweeps.Sweep(c.Request.Context(), c.Param("address"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}
