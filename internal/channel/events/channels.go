// Package events fans pipeline updates out to any number of live subscribers
// (dashboard streams, tests). A slow subscriber loses updates rather than
// stalling ingestion.
package events

import (
	"context"
	"errors"
	"sync"

	"marketfeed/logger"
	"marketfeed/models"
)

const component = "event_channels"

var ErrClosed = errors.New("event channels closed")

type Kind string

const (
	KindEvent   Kind = "event"
	KindStatus  Kind = "status"
	KindCleared Kind = "cleared"
)

// Update is one notification. Event is set for KindEvent, Status for
// KindStatus. Version is the store version after the change.
type Update struct {
	Kind    Kind                   `json:"kind"`
	Event   *models.MarketEvent    `json:"event,omitempty"`
	Status  models.ConnectionState `json:"status"`
	Version uint64                 `json:"version"`
}

type ChannelStats struct {
	Sent        int64 `json:"sent"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type Subscription struct {
	C <-chan Update

	id       uint64
	channels *Channels
	once     sync.Once
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.channels.unsubscribe(s.id) })
}

type Channels struct {
	mu         sync.RWMutex
	subs       map[uint64]chan Update
	nextID     uint64
	bufferSize int
	closed     bool

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		subs:       make(map[uint64]chan Update),
		bufferSize: bufferSize,
		log:        log,
	}

	log.WithComponent(component).WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Subscribe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	ch := make(chan Update, c.bufferSize)
	c.subs[c.nextID] = ch

	c.log.WithComponent(component).WithFields(logger.Fields{
		"subscriber":  c.nextID,
		"subscribers": len(c.subs),
	}).Debug("subscriber added")

	return &Subscription{C: ch, id: c.nextID, channels: c}, nil
}

func (c *Channels) unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	close(ch)
}

// Publish offers upd to every subscriber without blocking and returns how
// many accepted it.
func (c *Channels) Publish(ctx context.Context, upd Update) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sent := 0
	for _, ch := range c.subs {
		select {
		case ch <- upd:
			sent++
		case <-ctx.Done():
			return sent
		default:
			c.IncrementDropped()
		}
	}
	if sent > 0 {
		c.statsMutex.Lock()
		c.stats.Sent += int64(sent)
		c.statsMutex.Unlock()
	}
	return sent
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	n := len(c.subs)
	c.mu.RUnlock()

	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	stats := c.stats
	stats.Subscribers = n
	return stats
}

// Close closes every subscriber channel; later Subscribe calls fail.
func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.log.WithComponent(component).Info("event channels closed")
}
