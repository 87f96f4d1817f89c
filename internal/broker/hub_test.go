package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func TestHubPublishCountsSubscribers(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	defer hub.Close()

	count, err := hub.Publish(ctx, "chan", []byte("nobody"))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	a, err := SubscribeAcked(ctx, hub, "chan")
	require.NoError(t, err)
	b, err := SubscribeAcked(ctx, hub, "chan")
	require.NoError(t, err)

	count, err = hub.Publish(ctx, "chan", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, sub := range []Subscription{a, b} {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindMessage, msg.Kind)
		assert.Equal(t, "one", string(msg.Data))
	}

	require.NoError(t, b.Close())
	count, err = hub.Publish(ctx, "chan", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, hub.Subscribers("chan"))
}

func TestHubSubscribeAckIsFirstMessage(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	defer hub.Close()

	sub, err := hub.Subscribe(ctx, "chan")
	require.NoError(t, err)
	_, err = hub.Publish(ctx, "chan", []byte("after"))
	require.NoError(t, err)

	ack, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Message{Kind: KindSubscribe, Channel: "chan", Count: 1}, ack)
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", string(msg.Data))
}

func TestHubPreservesPublishOrder(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	defer hub.Close()
	sub, err := SubscribeAcked(ctx, hub, "chan")
	require.NoError(t, err)

	for _, payload := range []string{"a", "b", "c"} {
		_, err := hub.Publish(ctx, "chan", []byte(payload))
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(msg.Data))
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	sub, err := SubscribeAcked(ctx, hub, "chan")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()
	require.NoError(t, hub.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	_, err = hub.Publish(ctx, "chan", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextHonorsContext(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(nil)
	defer hub.Close()
	sub, err := SubscribeAcked(context.Background(), hub, "chan")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStoreGetSetDelete(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	defer hub.Close()

	_, err := hub.Get(ctx, "tm-pids")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, hub.Set(ctx, "tm-pids", []byte(`{}`)))
	value, err := hub.Get(ctx, "tm-pids")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(value))

	require.NoError(t, hub.Delete(ctx, "tm-pids"))
	_, err = hub.Get(ctx, "tm-pids")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

type ackBroker struct {
	*Hub
	ack Message
}

func (b ackBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	q := newQueue()
	q.push(b.ack)
	return &hubSub{hub: b.Hub, channel: channel, queue: q}, nil
}

func TestSubscribeAckedRejectsBadAck(t *testing.T) {
	testlog.Start(t)
	hub := NewHub(nil)
	defer hub.Close()
	for _, ack := range []Message{
		{Kind: KindMessage, Channel: "chan", Data: []byte("x")},
		{Kind: KindSubscribe, Channel: "other", Count: 1},
		{Kind: KindSubscribe, Channel: "chan", Count: 2},
	} {
		_, err := SubscribeAcked(context.Background(), ackBroker{Hub: hub, ack: ack}, "chan")
		assert.ErrorIs(t, err, ErrUnexpectedAck)
	}
}

func TestConnCloseOnlyDropsItsSubscriptions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub(nil)
	defer hub.Close()

	a := hub.Connect()
	b := hub.Connect()
	_, err := SubscribeAcked(ctx, a, "chan")
	require.NoError(t, err)
	subB, err := SubscribeAcked(ctx, b, "chan")
	require.NoError(t, err)

	require.NoError(t, a.Close())
	count, err := b.Publish(ctx, "chan", []byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	msg, err := subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(msg.Data))

	_, err = a.Publish(ctx, "chan", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
