package domain

import (
	"errors"

	"github.com/olawanle/time-machine-investment-system-sub000/pkg/hdwallet"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
)

var (
	ErrInvalidKey       = hdwallet.ErrInvalidKey
	ErrInvalidAmount    = xerr.NewErrCode(xerr.InvalidAmount)
	ErrAddressNotFound  = xerr.NewErrCode(xerr.AddressNotFound)
	ErrPaymentNotFound  = xerr.NewErrCode(xerr.PaymentNotFound)
	ErrNoBalance        = xerr.NewErrCode(xerr.NoBalance)
	ErrSweepInProgress  = xerr.NewErrCode(xerr.SweepInProgress)
	ErrSweepPending     = xerr.NewErrCode(xerr.SweepPending)
	ErrChainUnavailable = xerr.NewErrCode(xerr.ChainUnavailable)
	ErrBroadcastFailed  = xerr.NewErrCode(xerr.BroadcastFailed)

	// ErrPaymentNotPending 乐观锁没命中：别的路径已经把它推进终态了
	ErrPaymentNotPending = errors.New("payment is not pending")
	ErrSweepNotPending   = errors.New("sweep is not pending")
)
