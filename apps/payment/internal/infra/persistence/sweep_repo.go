package persistence

import (
	"context"
	"fmt"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/orm"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
)

func (r *Repo) CreateSweep(ctx context.Context, rec *domain.SweepRecord) error {
	if err := r.conn(ctx).Create(rec).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("create sweep record failed: %v", err))
	}
	return nil
}

// ListSweeps 最新的在前
func (r *Repo) ListSweeps(ctx context.Context, page, limit int) ([]*domain.SweepRecord, error) {
	list := make([]*domain.SweepRecord, 0)
	q := orm.ApplyPagination(r.conn(ctx).Order("id DESC"), page, limit)
	if err := q.Find(&list).Error; err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list sweeps failed: %v", err))
	}
	return list, nil
}

func (r *Repo) ListPendingSweeps(ctx context.Context) ([]*domain.SweepRecord, error) {
	list := make([]*domain.SweepRecord, 0)
	err := r.conn(ctx).
		Where("status = ?", domain.SweepStatusPending).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list pending sweeps failed: %v", err))
	}
	return list, nil
}

func (r *Repo) HasPendingSweep(ctx context.Context, address string) (bool, error) {
	var n int64
	err := r.conn(ctx).Model(&domain.SweepRecord{}).
		Where("source_address = ? AND status = ?", address, domain.SweepStatusPending).
		Count(&n).Error
	if err != nil {
		return false, xerr.New(xerr.DbError, fmt.Sprintf("query pending sweep failed: %v", err))
	}
	return n > 0, nil
}

func (r *Repo) ConfirmSweep(ctx context.Context, id int64, confirmations int64) error {
	res := r.conn(ctx).Model(&domain.SweepRecord{}).
		Where("id = ? AND status = ?", id, domain.SweepStatusPending). // 🔒 乐观锁
		Updates(map[string]interface{}{
			"status":        domain.SweepStatusConfirmed,
			"confirmations": confirmations,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("confirm sweep failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return domain.ErrSweepNotPending
	}
	return nil
}

func (r *Repo) SweepStats(ctx context.Context) (pending, confirmed, failed int64, err error) {
	var rows []struct {
		Status domain.SweepStatus
		N      int64
	}
	err = r.conn(ctx).Model(&domain.SweepRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, 0, xerr.New(xerr.DbError, fmt.Sprintf("sweep stats failed: %v", err))
	}
	for _, row := range rows {
		switch row.Status {
		case domain.SweepStatusPending:
			pending = row.N
		case domain.SweepStatusConfirmed:
			confirmed = row.N
		case domain.SweepStatusFailed:
			failed = row.N
		}
	}
	return pending, confirmed, failed, nil
}
