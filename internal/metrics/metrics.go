// Package metrics keeps lock-free counters about the server for STATS.
//
// All methods are safe for concurrent use. A nil *Collector is a valid no-op
// receiver.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horgh/catbox/internal/events"
	"github.com/horgh/catbox/internal/queue"
)

// Collector tracks server metrics.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	messagesIn        atomic.Int64
	messagesOut       atomic.Int64
	unknownCommands   atomic.Int64
	parseErrors       atomic.Int64
	sendQueueKills    atomic.Int64
	floodKills        atomic.Int64

	startTime time.Time

	mu         sync.RWMutex
	eventCount map[events.Kind]int64
	queueStats []queue.Stats
	sampledAt  time.Time
}

// New creates a Collector with the start time set to now.
func New() *Collector {
	return &Collector{
		startTime:  time.Now(),
		eventCount: make(map[events.Kind]int64),
	}
}

// ConnectionOpened counts a new connection.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed counts a connection going away.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// MessageIn counts a message read from a client.
func (c *Collector) MessageIn() {
	if c == nil {
		return
	}
	c.messagesIn.Add(1)
}

// MessageOut counts a message written to a client.
func (c *Collector) MessageOut() {
	if c == nil {
		return
	}
	c.messagesOut.Add(1)
}

// UnknownCommand counts a command with no handler.
func (c *Collector) UnknownCommand() {
	if c == nil {
		return
	}
	c.unknownCommands.Add(1)
}

// ParseError counts a line we could not parse.
func (c *Collector) ParseError() {
	if c == nil {
		return
	}
	c.parseErrors.Add(1)
}

// SendQueueExceeded counts a client dropped for a full send queue.
func (c *Collector) SendQueueExceeded() {
	if c == nil {
		return
	}
	c.sendQueueKills.Add(1)
}

// Flooded counts a client dropped for flooding.
func (c *Collector) Flooded() {
	if c == nil {
		return
	}
	c.floodKills.Add(1)
}

// Consume counts events from an all-events stream until it closes or ctx
// ends.
func (c *Collector) Consume(ctx context.Context, stream <-chan events.Event) {
	if c == nil {
		return
	}

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			c.mu.Lock()
			c.eventCount[ev.Kind()]++
			c.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// RecordQueueStats keeps the latest process queue sample.
func (c *Collector) RecordQueueStats(stats []queue.Stats) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queueStats = stats
	c.sampledAt = time.Now()
	c.mu.Unlock()
}

// QueueStats returns the latest process queue sample and when it was taken.
func (c *Collector) QueueStats() ([]queue.Stats, time.Time) {
	if c == nil {
		return nil, time.Time{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := make([]queue.Stats, len(c.queueStats))
	copy(stats, c.queueStats)
	return stats, c.sampledAt
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime            time.Duration
	ConnectionsActive int64
	ConnectionsTotal  int64
	MessagesIn        int64
	MessagesOut       int64
	UnknownCommands   int64
	ParseErrors       int64
	SendQueueKills    int64
	FloodKills        int64
	Events            map[events.Kind]int64
}

// Snapshot copies the counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}

	c.mu.RLock()
	counts := make(map[events.Kind]int64, len(c.eventCount))
	for k, v := range c.eventCount {
		counts[k] = v
	}
	c.mu.RUnlock()

	return Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		MessagesIn:        c.messagesIn.Load(),
		MessagesOut:       c.messagesOut.Load(),
		UnknownCommands:   c.unknownCommands.Load(),
		ParseErrors:       c.parseErrors.Load(),
		SendQueueKills:    c.sendQueueKills.Load(),
		FloodKills:        c.floodKills.Load(),
		Events:            counts,
	}
}

// Lines renders the snapshot one fact per line, for STATS replies.
func (s Snapshot) Lines() []string {
	lines := []string{
		fmt.Sprintf("uptime %s", s.Uptime),
		fmt.Sprintf("connections %d active %d total", s.ConnectionsActive,
			s.ConnectionsTotal),
		fmt.Sprintf("messages %d in %d out", s.MessagesIn, s.MessagesOut),
		fmt.Sprintf("unknown commands %d parse errors %d", s.UnknownCommands,
			s.ParseErrors),
		fmt.Sprintf("killed %d sendq %d flood", s.SendQueueKills, s.FloodKills),
	}

	var kinds []events.Kind
	for k := range s.Events {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		lines = append(lines, fmt.Sprintf("event %s %d", k, s.Events[k]))
	}

	return lines
}
