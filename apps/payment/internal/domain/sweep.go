package domain

import (
	"context"
	"fmt"
	"time"
)

type SweepStatus uint8

const (
	SweepStatusPending SweepStatus = iota
	SweepStatusConfirmed
	SweepStatusFailed
)

func (s SweepStatus) String() string {
	switch s {
	case SweepStatusPending:
		return "pending"
	case SweepStatusConfirmed:
		return "confirmed"
	case SweepStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SweepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SweepStatus) UnmarshalText(b []byte) error {
	for _, v := range []SweepStatus{SweepStatusPending, SweepStatusConfirmed, SweepStatusFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown sweep status %q", b)
}

// SweepRecord 归集记录，审计用，不删除
type SweepRecord struct {
	ID            int64       `json:"id"`
	SourceAddress string      `gorm:"index:idx_source_status;size:100" json:"sourceAddress"`
	DestAddress   string      `gorm:"size:100" json:"destAddress"`
	AmountSats    int64       `json:"amountSats"`
	FeeSats       int64       `json:"feeSats"`
	TxHash        string      `gorm:"size:64;index" json:"txHash,omitempty"`
	Status        SweepStatus `gorm:"index:idx_source_status" json:"status"`
	Confirmations int64       `json:"confirmations"`
	Error         string      `gorm:"size:255" json:"error,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (SweepRecord) TableName() string {
	return "sweep_records"
}

// SweepOrder 交给 Broadcaster 的归集指令
type SweepOrder struct {
	Source      string
	Destination string
	AmountSats  int64 // 检测到的余额
}

// BroadcastResult 实际广播出去的交易
type BroadcastResult struct {
	TxHash     string
	AmountSats int64 // 扣完手续费后真正转到 treasury 的金额
	FeeSats    int64
}

// Broadcaster 构造 + 签名 + 广播；私钥不在本进程里
type Broadcaster interface {
	Broadcast(ctx context.Context, order SweepOrder) (*BroadcastResult, error)
}

type SweepRepo interface {
	CreateSweep(ctx context.Context, r *SweepRecord) error
	ListSweeps(ctx context.Context, page, limit int) ([]*SweepRecord, error)
	ListPendingSweeps(ctx context.Context) ([]*SweepRecord, error)
	HasPendingSweep(ctx context.Context, address string) (bool, error)
	// ConfirmSweep 乐观锁：pending -> confirmed
	ConfirmSweep(ctx context.Context, id int64, confirmations int64) error
	SweepStats(ctx context.Context) (pending, confirmed, failed int64, err error)
	// Transaction fn 里用传入的 ctx，同一事务内的仓储调用都走 tx
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
