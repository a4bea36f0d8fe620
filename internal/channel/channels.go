package channel

import (
	"sync"

	"optionflow/internal/analytics"
	"optionflow/internal/metrics"
	"optionflow/logger"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Subscription receives every published snapshot its buffer can hold.
type Subscription struct {
	Name string
	C    <-chan analytics.Snapshot

	ch    chan analytics.Snapshot
	stats ChannelStats
}

// Channels fans snapshots out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses that snapshot.
type Channels struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	log    *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		subs:   make(map[*Subscription]struct{}),
		buffer: bufferSize,
		log:    log,
	}

	log.WithComponent("snapshot_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("snapshot channels initialized")

	return c
}

func (c *Channels) Subscribe(name string) *Subscription {
	ch := make(chan analytics.Snapshot, c.buffer)
	sub := &Subscription{Name: name, C: ch, ch: ch}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

func (c *Channels) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	close(sub.ch)
}

// Publish offers snap to every subscriber and reports how many took it.
func (c *Channels) Publish(snap analytics.Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	delivered := 0
	for sub := range c.subs {
		select {
		case sub.ch <- snap:
			sub.stats.Sent++
			delivered++
		default:
			sub.stats.Dropped++
			metrics.EmitDropMetric(c.log, metrics.DropMetricSnapshot, sub.Name, snap.Expiry, "publish")
		}
	}
	return delivered
}

// Stats returns per subscriber counters keyed by subscription name.
func (c *Channels) Stats() map[string]ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ChannelStats, len(c.subs))
	for sub := range c.subs {
		s := out[sub.Name]
		s.Sent += sub.stats.Sent
		s.Dropped += sub.stats.Dropped
		out[sub.Name] = s
	}
	return out
}

func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subs {
		close(sub.ch)
	}
	c.subs = nil
	c.log.WithComponent("snapshot_channels").Info("snapshot channels closed")
}
