package persistence

import (
	"context"

	"github.com/olawanle/time-machine-investment-system-sub000/apps/payment/internal/domain"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// 确保 Repo 实现了所有接口
var (
	_ domain.AddressRepo = (*Repo)(nil)
	_ domain.PaymentRepo = (*Repo)(nil)
	_ domain.SweepRepo   = (*Repo)(nil)
)

// AutoMigrate 建表；生产环境也可以提前用 DDL 建好
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.DerivedAddress{},
		&domain.PaymentRequest{},
		&domain.SweepRecord{},
	)
}

type txKey struct{}

// Transaction 实现事务
func (r *Repo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 把 tx 注入到 context 中
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// conn 有事务就用事务
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}
