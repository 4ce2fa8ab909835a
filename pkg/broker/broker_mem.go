package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker: closed")

// MemBroker 进程内 fanout，单实例部署和单测用。
// at-most-once：订阅者 buffer 满了直接丢
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan Message, 256)
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return // Close 已经关过了
		}
		for _, t := range topics {
			b.subs[t] = removeChan(b.subs[t], ch)
		}
		close(ch)
	}()
	return ch, nil
}

// Close 关闭所有订阅 channel；之后 Publish / Subscribe 返回 ErrClosed
func (b *MemBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	seen := make(map[chan Message]struct{})
	for _, list := range b.subs {
		for _, ch := range list {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	b.subs = nil
	return nil
}

func removeChan(list []chan Message, target chan Message) []chan Message {
	out := list[:0]
	for _, c := range list {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}
