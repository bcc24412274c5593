// Package events is the in-process pub/sub bus each extension uses to fan
// feed items (flows, DNS queries, security events, alerts) out to the IPC
// websocket push-assist channel. Delta polling over the ring stores stays
// the authoritative transport; the bus only wakes interested consumers
// early. Slow subscribers are skipped, never waited on.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Feed names a dataset stream.
type Feed string

const (
	FeedFlows  Feed = "flows"
	FeedDNS    Feed = "dns"
	FeedEvents Feed = "events"
	FeedAlerts Feed = "alerts"
)

// Item is one bus notification: the feed it belongs to, the ring sequence
// it was stored under, and the JSON-encoded payload.
type Item struct {
	Feed     Feed            `json:"feed"`
	Sequence uint64          `json:"sequence"`
	Time     time.Time       `json:"time"`
	Payload  json.RawMessage `json:"payload"`
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Feed][]chan Item
	allSubs     []chan Item
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Feed][]chan Item),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  256,
	}
}

// Subscribe returns a channel receiving items for the given feeds. Pass no
// feeds to receive everything.
func (b *Bus) Subscribe(feeds ...Feed) chan Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Item, b.bufferSize)
	if len(feeds) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, f := range feeds {
			b.subscribers[f] = append(b.subscribers[f], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for f, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[f] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish encodes value and delivers it to matching subscribers. Full
// subscriber channels are skipped; those consumers catch up via their
// delta-poll cursor.
func (b *Bus) Publish(feed Feed, sequence uint64, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		b.logger.Printf("marshal %s item: %v", feed, err)
		return
	}
	item := Item{Feed: feed, Sequence: sequence, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[feed] {
		select {
		case ch <- item:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- item:
		default:
		}
	}
}

// SubscriberCount reports active subscription registrations.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
