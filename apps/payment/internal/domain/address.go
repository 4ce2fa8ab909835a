package domain

import (
	"context"
	"time"
)

// DerivedAddress 派生出来的收款地址；只会被标记已归集，不会删除
type DerivedAddress struct {
	ID                int64     `json:"id"`
	Index             uint32    `gorm:"column:derivation_index;uniqueIndex" json:"index"`
	Address           string    `gorm:"uniqueIndex;size:100" json:"address"`
	DerivationPath    string    `gorm:"size:64" json:"derivationPath"`
	ScriptType        string    `gorm:"size:16" json:"scriptType"`
	IsSwept           bool      `json:"isSwept"`
	TotalReceivedSats int64     `json:"totalReceivedSats"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (DerivedAddress) TableName() string {
	return "derived_addresses"
}

// WalletStats 管理后台的汇总
type WalletStats struct {
	AddressesGenerated int64 `json:"addressesGenerated"`
	TotalReceivedSats  int64 `json:"totalReceivedSats"`
	SweptAddresses     int64 `json:"sweptAddresses"`
	PendingSweeps      int64 `json:"pendingSweeps"`
	ConfirmedSweeps    int64 `json:"confirmedSweeps"`
	FailedSweeps       int64 `json:"failedSweeps"`
}

type AddressRepo interface {
	SaveAddress(ctx context.Context, a *DerivedAddress) error
	// GetAddress 不存在返回 ErrAddressNotFound
	GetAddress(ctx context.Context, address string) (*DerivedAddress, error)
	// ListAddresses 按 index 升序
	ListAddresses(ctx context.Context) ([]*DerivedAddress, error)
	// MaxIndex 没有任何地址时返回 -1
	MaxIndex(ctx context.Context) (int64, error)
	// AddReceived 累加收款并清掉已归集标记
	AddReceived(ctx context.Context, address string, sats int64) error
	MarkSwept(ctx context.Context, address string) error
	AddressStats(ctx context.Context) (*WalletStats, error)
}
