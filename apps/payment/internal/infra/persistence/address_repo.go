package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"gorm.io/gorm"
)

func (r *Repo) SaveAddress(ctx context.Context, a *domain.DerivedAddress) error {
	if err := r.conn(ctx).Create(a).Error; err != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("save address %s failed: %v", a.Address, err))
	}
	return nil
}

func (r *Repo) GetAddress(ctx context.Context, address string) (*domain.DerivedAddress, error) {
	var a domain.DerivedAddress
	err := r.conn(ctx).Where("address = ?", address).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAddressNotFound
		}
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("query address failed: %v", err))
	}
	return &a, nil
}

func (r *Repo) ListAddresses(ctx context.Context) ([]*domain.DerivedAddress, error) {
	list := make([]*domain.DerivedAddress, 0)
	if err := r.conn(ctx).Order("derivation_index ASC").Find(&list).Error; err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("list addresses failed: %v", err))
	}
	return list, nil
}

func (r *Repo) MaxIndex(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := r.conn(ctx).Model(&domain.DerivedAddress{}).
		Select("MAX(derivation_index)").
		Row().Scan(&max)
	if err != nil {
		return 0, xerr.New(xerr.DbError, fmt.Sprintf("query max index failed: %v", err))
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// AddReceived 新到账说明地址上又有钱了，重新进入待归集
func (r *Repo) AddReceived(ctx context.Context, address string, sats int64) error {
	res := r.conn(ctx).Model(&domain.DerivedAddress{}).
		Where("address = ?", address).
		Updates(map[string]interface{}{
			"total_received_sats": gorm.Expr("total_received_sats + ?", sats),
			"is_swept":            false,
		})
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("add received failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return domain.ErrAddressNotFound
	}
	return nil
}

func (r *Repo) MarkSwept(ctx context.Context, address string) error {
	res := r.conn(ctx).Model(&domain.DerivedAddress{}).
		Where("address = ?", address).
		Update("is_swept", true)
	if res.Error != nil {
		return xerr.New(xerr.DbError, fmt.Sprintf("mark swept failed: %v", res.Error))
	}
	if res.RowsAffected == 0 {
		return domain.ErrAddressNotFound
	}
	return nil
}

func (r *Repo) AddressStats(ctx context.Context) (*domain.WalletStats, error) {
	var row struct {
		Generated int64
		Received  sql.NullInt64
		Swept     sql.NullInt64
	}
	err := r.conn(ctx).Model(&domain.DerivedAddress{}).
		Select("COUNT(*) AS generated, SUM(total_received_sats) AS received, SUM(CASE WHEN is_swept THEN 1 ELSE 0 END) AS swept").
		Scan(&row).Error
	if err != nil {
		return nil, xerr.New(xerr.DbError, fmt.Sprintf("address stats failed: %v", err))
	}
	return &domain.WalletStats{
		AddressesGenerated: row.Generated,
		TotalReceivedSats:  row.Received.Int64,
		SweptAddresses:     row.Swept.Int64,
	}, nil
}
