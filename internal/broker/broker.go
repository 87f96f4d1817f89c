// Package broker is the shared publish/subscribe channel and key/value store
// every tool meister participant talks to.
//
// Ownership boundary:
// - channel fan-out with receiver counts at publish time
//
// - subscribe acknowledgements delivered as the first message of a
// subscription
//
// - key/value persistence for parameter blocks and the ready roster
//
// Hub is the in-process implementation. Server exposes a Hub over a websocket
// and Client is the matching remote implementation used by the daemons.
package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound       = errors.New("broker: key not found")
	ErrClosed            = errors.New("broker: closed")
	ErrAlreadySubscribed = errors.New("broker: already subscribed")
	ErrUnexpectedAck     = errors.New("broker: unexpected subscribe acknowledgement")
	ErrUnavailable       = errors.New("broker: unavailable")
	ErrRemote            = errors.New("broker: remote error")
)

// Kind tags every message a subscription yields.
type Kind string

const (
	KindSubscribe Kind = "subscribe"
	KindMessage   Kind = "message"
)

// Message is one delivery on a subscription. Count is set on subscribe
// acknowledgements only and holds the number of channels the subscriber is
// now bound to through this subscription.
type Message struct {
	Kind    Kind
	Channel string
	Data    []byte
	Count   int
}

// Broker is the client view of the shared pub/sub + KV service.
type Broker interface {
	// Publish returns the number of subscribers that received data.
	Publish(ctx context.Context, channel string, data []byte) (int, error)
	// Subscribe binds a new subscription to channel. Its first message is the
	// subscribe acknowledgement.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Subscription yields messages for one channel in publish order.
type Subscription interface {
	Channel() string
	Next(ctx context.Context) (Message, error)
	// Close unsubscribes. Pending Next calls return ErrClosed.
	Close() error
}

// SubscribeAcked subscribes and consumes the acknowledgement, failing when
// the first message is anything but a one-channel subscribe ack for channel.
func SubscribeAcked(ctx context.Context, b Broker, channel string) (Subscription, error) {
	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	ack, err := sub.Next(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if ack.Kind != KindSubscribe || ack.Channel != channel || ack.Count != 1 {
		sub.Close()
		return nil, fmt.Errorf("%w: kind=%s channel=%q count=%d", ErrUnexpectedAck, ack.Kind, ack.Channel, ack.Count)
	}
	return sub, nil
}
