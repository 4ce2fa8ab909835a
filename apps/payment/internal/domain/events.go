package domain

// broker topic；NATS 侧会把 ":" 换成 "."
const (
	TopicPaymentConfirmed = "payment:confirmed"
	TopicPaymentExpired   = "payment:expired"
	TopicPaymentFailed    = "payment:failed"

	TopicSweepBroadcast = "sweep:broadcast"
	TopicSweepFailed    = "sweep:failed"
	TopicSweepConfirmed = "sweep:confirmed"
)

type PaymentEvent struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Address      string `json:"address"`
	Status       string `json:"status"`
	TxHash       string `json:"txHash,omitempty"`
	ExpectedSats int64  `json:"expectedSats"`
	ReceivedSats int64  `json:"receivedSats,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type SweepEvent struct {
	SourceAddress string `json:"sourceAddress"`
	DestAddress   string `json:"destAddress"`
	AmountSats    int64  `json:"amountSats"`
	FeeSats       int64  `json:"feeSats,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	Error         string `json:"error,omitempty"`
}
