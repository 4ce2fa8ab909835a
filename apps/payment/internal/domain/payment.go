package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus 支付单状态，只能 pending -> {confirmed, expired, failed}
type PaymentStatus uint8

const (
	PaymentStatusPending PaymentStatus = iota
	PaymentStatusConfirmed
	PaymentStatusExpired
	PaymentStatusFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusPending:
		return "pending"
	case PaymentStatusConfirmed:
		return "confirmed"
	case PaymentStatusExpired:
		return "expired"
	case PaymentStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s PaymentStatus) IsTerminal() bool { return s != PaymentStatusPending }

func (s PaymentStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PaymentStatus) UnmarshalText(b []byte) error {
	for _, v := range []PaymentStatus{PaymentStatusPending, PaymentStatusConfirmed, PaymentStatusExpired, PaymentStatusFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown payment status %q", b)
}

// PaymentRequest 一笔待支付的投资
type PaymentRequest struct {
	ID                    string          `gorm:"primaryKey;size:36" json:"id"`
	UserID                string          `gorm:"index:idx_user_status;size:64" json:"userId"`
	UsdAmount             decimal.Decimal `gorm:"type:decimal(20,2)" json:"usdAmount"`
	BtcAmount             decimal.Decimal `gorm:"type:decimal(20,8)" json:"btcAmount"`
	ExpectedSats          int64           `json:"expectedSats"`
	PriceUsd              decimal.Decimal `gorm:"type:decimal(20,2)" json:"priceUsd"` // 创建时用的报价
	PriceSource           string          `gorm:"size:32" json:"priceSource"`
	Address               string          `gorm:"index;size:100" json:"address"`
	AddressIndex          uint32          `json:"addressIndex"`
	RequiredConfirmations int64           `json:"requiredConfirmations"`
	CreatedHeight         int64           `json:"createdHeight,omitempty"` // 创建时的链高度，取不到为 0
	Status                PaymentStatus   `gorm:"index:idx_user_status" json:"status"`

	// pending 时是已匹配、确认数还不够的交易；终态时是最终结果，重复 verify 直接从这里返回
	TxHash        string     `gorm:"size:64" json:"txHash,omitempty"`
	ReceivedSats  int64      `json:"receivedSats,omitempty"`
	Confirmations int64      `json:"confirmations"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	FailReason    string     `gorm:"size:255" json:"failReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `gorm:"index" json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (PaymentRequest) TableName() string {
	return "payment_requests"
}

// IsExpiredAt 严格大于才算过期
func (p *PaymentRequest) IsExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Clone 对外返回副本，防止调用方改到 tracker 里的状态
func (p *PaymentRequest) Clone() *PaymentRequest {
	if p == nil {
		return nil
	}
	c := *p
	if p.PaidAt != nil {
		t := *p.PaidAt
		c.PaidAt = &t
	}
	return &c
}

// Settlement 终态迁移时要一起写入的字段
type Settlement struct {
	Status        PaymentStatus
	TxHash        string
	ReceivedSats  int64
	Confirmations int64
	PaidAt        *time.Time
	FailReason    string
}

type PaymentRepo interface {
	CreatePayment(ctx context.Context, p *PaymentRequest) error
	GetPayment(ctx context.Context, id string) (*PaymentRequest, error)
	ListPendingPayments(ctx context.Context) ([]*PaymentRequest, error)
	// SettlePayment 乐观锁：只有 pending 的行能被改，否则返回 ErrPaymentNotPending
	SettlePayment(ctx context.Context, id string, s Settlement) error
	// RecordSeen 记下已匹配但确认数不够的交易，重启后还能认出来；只改 pending 的行
	RecordSeen(ctx context.Context, id, txHash string, confirmations int64) error
}
