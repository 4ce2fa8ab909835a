package broker

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBroker_PublishEvent(t *testing.T) {
	b := NewMemBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, []string{"payment:confirmed"})
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, PublishEvent(ctx, b, "payment:confirmed", at, map[string]string{"id": "p-1"}))
	require.NoError(t, PublishEvent(ctx, b, "sweep:broadcast", at, "ignored"))

	select {
	case msg := <-ch:
		assert.Equal(t, "payment:confirmed", msg.Topic)
		var ev struct {
			Topic string            `json:"topic"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, "p-1", ev.Data["id"])
	case <-time.After(time.Second):
		t.Fatal("没收到消息")
	}

	// 取消订阅后 channel 被关闭
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel 没有关闭")
	}
}

func TestPublishEvent_NilBroker(t *testing.T) {
	assert.NoError(t, PublishEvent(context.Background(), nil, "x", time.Now(), nil))
}

func TestMemBroker_Close(t *testing.T) {
	b := NewMemBroker()
	ch1, err := b.Subscribe(context.Background(), []string{"payment:confirmed", "payment:expired"})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-ch1
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), "payment:confirmed", nil), ErrClosed)
	_, err = b.Subscribe(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjectMapping(t *testing.T) {
	cases := []struct {
		prefix, topic, subject string
	}{
		{"", "sweep:failed", "sweep.failed"},
		{"payment-engine", "payment:confirmed", "payment-engine.payment.confirmed"},
	}
	for _, c := range cases {
		assert.Equal(t, c.subject, joinSubject(c.prefix, c.topic))
		assert.Equal(t, c.topic, splitSubject(c.prefix, c.subject))
	}
}
