package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"gorm.io/gorm"
)

func (r *Repo) CreatePayment(ctx context.Context, p *domain.PaymentRequest) error {
	if err := r.conn(ctx).Create(p).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("create payment failed: %v", err))
	}
	return nil
}

func (r *Repo) GetPayment(ctx context.Context, id string) (*domain.PaymentRequest, error) {
	var p domain.PaymentRequest
	err := r.conn(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query payment failed: %v", err))
	}
	return &p, nil
}

// ListPendingPayments 重启时恢复 tracker 用，包括已经过期但还没被处理的
func (r *Repo) ListPendingPayments(ctx context.Context) ([]*domain.PaymentRequest, error) {
	list := make([]*domain.PaymentRequest, 0)
	err := r.conn(ctx).
		Where("status = ?", domain.PaymentStatusPending).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list pending payments failed: %v", err))
	}
	return list, nil
}

// SettlePayment pending -> 终态，必须确保之前是 Pending，防止重复处理
func (r *Repo) SettlePayment(ctx context.Context, id string, s domain.Settlement) error {
	updates := map[string]interface{}{
		"status":        s.Status,
		"tx_hash":       s.TxHash,
		"received_sats": s.ReceivedSats,
		"confirmations": s.Confirmations,
		"fail_reason":   s.FailReason,
	}
	if s.PaidAt != nil {
		updates["paid_at"] = *s.PaidAt
	}

	res := r.conn(ctx).Model(&domain.PaymentRequest{}).
		Where("id = ? AND status = ?", id, domain.PaymentStatusPending). // 🔒 乐观锁
		Updates(updates)
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("settle payment failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return domain.ErrPaymentNotPending
	}
	return nil
}

// RecordSeen 记下已匹配但确认数不够的交易，重启后还能认出来
func (r *Repo) RecordSeen(ctx context.Context, id, txHash string, confirmations int64) error {
	res := r.conn(ctx).Model(&domain.PaymentRequest{}).
		Where("id = ? AND status = ?", id, domain.PaymentStatusPending).
		Updates(map[string]interface{}{
			"tx_hash":       txHash,
			"confirmations": confirmations,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("record seen tx failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return domain.ErrPaymentNotPending
	}
	return nil
}
