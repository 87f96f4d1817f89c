package broker

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/toolmeister/internal/poll"
	"github.com/danmuck/toolmeister/internal/testutil/testlog"
)

func startServer(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := NewServer(hub, ServerConfig{Node: "test-broker"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestClientPubSubOverWebsocket(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub(nil)
	addr := startServer(t, hub)

	sub, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer sub.Close()
	pub, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer pub.Close()

	s, err := SubscribeAcked(ctx, sub, "tool-meister-chan")
	require.NoError(t, err)

	count, err := pub.Publish(ctx, "tool-meister-chan", []byte(`{"state":"start"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	msg, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindMessage, msg.Kind)
	assert.Equal(t, `{"state":"start"}`, string(msg.Data))

	_, err = sub.Subscribe(ctx, "tool-meister-chan")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, s.Close())
	count, err = pub.Publish(ctx, "tool-meister-chan", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestClientKeyValue(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := startServer(t, NewHub(nil))

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "tds-default")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, c.Set(ctx, "tds-default", []byte(`{"channel":"c","run_directory":"/r"}`)))
	value, err := c.Get(ctx, "tds-default")
	require.NoError(t, err)
	assert.Equal(t, `{"channel":"c","run_directory":"/r"}`, string(value))

	require.NoError(t, c.Delete(ctx, "tds-default"))
	_, err = c.Get(ctx, "tds-default")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub(nil)
	addr := startServer(t, hub)

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	_, err = SubscribeAcked(ctx, c, "chan")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("chan"))

	require.NoError(t, c.Close())
	outcome, err := poll.Until(ctx, poll.Config{Backoff: poll.Fixed(10 * time.Millisecond), Attempts: 200}, func(int) (bool, error) {
		return hub.Subscribers("chan") == 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, poll.Ready, outcome)
}

func TestDialRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	_, err := DialRetry(context.Background(), "127.0.0.1:1", poll.Config{Backoff: poll.Fixed(time.Millisecond), Attempts: 2})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLiteStorePersists(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broker.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = store.Get(ctx, "tm-pids")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, store.Set(ctx, "tm-pids", []byte("v1")))
	require.NoError(t, store.Set(ctx, "tm-pids", []byte("v2")))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	value, err := store.Get(ctx, "tm-pids")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(value))

	hub := NewHub(store)
	defer hub.Close()
	require.NoError(t, hub.Delete(ctx, "tm-pids"))
	_, err = hub.Get(ctx, "tm-pids")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
