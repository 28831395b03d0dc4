package eventbus

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/logging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, workers int) *Bus {
	b := New(logging.New(io.Discard, logging.LevelError), Options{
		Workers:    workers,
		QueueDepth: 64,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func waitIdle(t *testing.T, b *Bus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestPublishNoSubscribers(t *testing.T) {
	b := newTestBus(t, 2)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(),
			events.UserAuthenticated{SessionID: "s1", Nick: "bob"}))
	}

	assert.Equal(t, 0, b.Pending())
	waitIdle(t, b)
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	tests := []struct {
		name string
		fail func(context.Context, events.NickChanged) error
	}{
		{
			name: "error",
			fail: func(context.Context, events.NickChanged) error {
				return errors.New("listener failed")
			},
		},
		{
			name: "panic",
			fail: func(context.Context, events.NickChanged) error {
				panic("listener exploded")
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := newTestBus(t, 1)

			var mu sync.Mutex
			var got []events.NickChanged

			Subscribe(b, "failing", test.fail)
			Subscribe(b, "recording", func(ctx context.Context,
				ev events.NickChanged) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, ev)
				return nil
			})

			ev := events.NickChanged{SessionID: "s1", OldNick: "a", NewNick: "b"}
			require.NoError(t, b.Publish(context.Background(), ev))
			waitIdle(t, b)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []events.NickChanged{ev}, got)
			assert.Equal(t, uint64(1), b.Failed())
		})
	}
}

func TestDeliveryIsPerType(t *testing.T) {
	b := newTestBus(t, 4)

	var mu sync.Mutex
	nicks := 0
	auths := 0

	Subscribe(b, "nick", func(context.Context, events.NickChanged) error {
		mu.Lock()
		defer mu.Unlock()
		nicks++
		return nil
	})
	Subscribe(b, "auth", func(context.Context, events.UserAuthenticated) error {
		mu.Lock()
		defer mu.Unlock()
		auths++
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, events.NickChanged{SessionID: "s"}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, events.UserAuthenticated{SessionID: "s"}))
	}
	require.NoError(t, b.Publish(ctx, events.ChannelCreated{Channel: "#a"}))
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, nicks)
	assert.Equal(t, 5, auths)
}

func TestPublishReturnsBeforeDelivery(t *testing.T) {
	b := newTestBus(t, 1)

	release := make(chan struct{})
	delivered := make(chan struct{})
	Subscribe(b, "slow", func(context.Context, events.SessionClosed) error {
		<-release
		close(delivered)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(),
		events.SessionClosed{SessionID: "s1"}))
	assert.Equal(t, 1, b.Pending())

	close(release)
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatalf("event not delivered")
	}
	waitIdle(t, b)
	assert.Equal(t, 0, b.Pending())
}

func TestObserve(t *testing.T) {
	b := newTestBus(t, 1)

	stream, stop := b.Observe(1)
	defer stop()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, events.ChannelCreated{Channel: "#a"}))
	// Buffer of one is full now. This one is dropped for the observer.
	require.NoError(t, b.Publish(ctx, events.ChannelCreated{Channel: "#b"}))

	ev := <-stream
	assert.Equal(t, events.ChannelCreated{Channel: "#a"}, ev)
	assert.Equal(t, uint64(1), b.Dropped())

	stop()
	_, ok := <-stream
	assert.False(t, ok)
}

func TestPublishAfterClose(t *testing.T) {
	b := New(logging.New(io.Discard, logging.LevelError), Options{Workers: 1})
	Subscribe(b, "l", func(context.Context, events.OperatorLoggedIn) error {
		return nil
	})

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, ErrClosed, b.Publish(context.Background(),
		events.OperatorLoggedIn{Nick: "x"}))
}
