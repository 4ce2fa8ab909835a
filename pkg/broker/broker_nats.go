package broker

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBroker 事件 topic 映射成 NATS subject：{prefix}.payment.confirmed
type NatsBroker struct {
	nc     *nats.Conn
	prefix string
}

// NewNatsBroker 断线无限重连；prefix 为空时 subject 不加前缀
func NewNatsBroker(url, prefix string, opts ...nats.Option) (*NatsBroker, error) {
	base := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if prefix != "" {
		base = append(base, nats.Name(prefix))
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc, prefix: strings.Trim(prefix, ".")}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(b.subject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 1024)
	subs := make([]*nats.Subscription, 0, len(topics))

	for _, t := range topics {
		sub, err := b.nc.Subscribe(b.subject(t), func(m *nats.Msg) {
			// 慢消费者直接丢，不能卡住 NATS 回调
			select {
			case out <- Message{Topic: b.topic(m.Subject), Payload: m.Data}:
			default:
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		close(out)
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

func (b *NatsBroker) subject(topic string) string {
	return joinSubject(b.prefix, topic)
}

func (b *NatsBroker) topic(subject string) string {
	return splitSubject(b.prefix, subject)
}

// payment:confirmed -> {prefix}.payment.confirmed
func joinSubject(prefix, topic string) string {
	s := strings.ReplaceAll(topic, ":", ".")
	if prefix == "" {
		return s
	}
	return prefix + "." + s
}

func splitSubject(prefix, subject string) string {
	if prefix != "" {
		subject = strings.TrimPrefix(subject, prefix+".")
	}
	return strings.ReplaceAll(subject, ".", ":")
}
