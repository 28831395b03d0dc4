package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.MessageIn()
	c.MessageOut()
	c.MessageOut()
	c.UnknownCommand()
	c.ParseError()
	c.SendQueueExceeded()
	c.Flooded()

	s := c.Snapshot()
	assert.Equal(t, int64(1), s.ConnectionsActive)
	assert.Equal(t, int64(2), s.ConnectionsTotal)
	assert.Equal(t, int64(1), s.MessagesIn)
	assert.Equal(t, int64(2), s.MessagesOut)
	assert.Equal(t, int64(1), s.UnknownCommands)
	assert.Equal(t, int64(1), s.ParseErrors)
	assert.Equal(t, int64(1), s.SendQueueKills)
	assert.Equal(t, int64(1), s.FloodKills)
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	c.ConnectionOpened()
	c.MessageIn()
	c.RecordQueueStats([]queue.Stats{{Key: "k"}})
	c.Consume(context.Background(), nil)

	assert.Equal(t, Snapshot{}, c.Snapshot())
	stats, _ := c.QueueStats()
	assert.Empty(t, stats)
}

func TestConsume(t *testing.T) {
	c := New()
	stream := make(chan events.Event, 3)
	stream <- events.NickChanged{}
	stream <- events.NickChanged{}
	stream <- events.SessionClosed{}
	close(stream)

	c.Consume(context.Background(), stream)

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Events[events.KindNickChanged])
	assert.Equal(t, int64(1), s.Events[events.KindSessionClosed])

	lines := s.Lines()
	require.Len(t, lines, 7)
	assert.Equal(t, "event "+events.KindNickChanged.String()+" 2", lines[5])
}

func TestConsumeStopsOnContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Consume(ctx, make(chan events.Event))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Consume did not return")
	}
}

func TestQueueStats(t *testing.T) {
	c := New()
	in := []queue.Stats{{Key: "session:a", Processed: 3}}
	c.RecordQueueStats(in)

	out, at := c.QueueStats()
	assert.Equal(t, in, out)
	assert.False(t, at.IsZero())

	// Callers get a copy.
	out[0].Processed = 99
	again, _ := c.QueueStats()
	assert.Equal(t, uint64(3), again[0].Processed)
}
