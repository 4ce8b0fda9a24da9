// Package eventbus fans in-process signals out to buffered subscribers.
// Publish never blocks; a full subscriber loses the event and the loss is
// counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when
	// types is empty. The returned func closes the channel and is idempotent.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Stats is a point-in-time view of bus traffic.
type Stats struct {
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

const defaultBuffer = 8

type subscriber struct {
	ch     chan Event
	closed bool
}

// bus indexes subscribers by event type; the "" key holds catch-all
// subscribers. Sends happen under the read lock, so a subscriber is never
// closed while a Publish is writing to it.
type bus struct {
	mu     sync.RWMutex
	byType map[string][]*subscriber
	count  int

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &bus{byType: map[string][]*subscriber{}}
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	b.offer(b.byType[""], e)
	if e.Type != "" {
		b.offer(b.byType[e.Type], e)
	}
}

func (b *bus) offer(subs []*subscriber, e Event) {
	for _, s := range subs {
		select {
		case s.ch <- e:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	keys := dedupe(types)

	b.mu.Lock()
	for _, k := range keys {
		b.byType[k] = append(b.byType[k], s)
	}
	b.count++
	b.mu.Unlock()

	return s.ch, func() { b.remove(s, keys) }
}

func (b *bus) remove(s *subscriber, keys []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, k := range keys {
		list := b.byType[k]
		for i, x := range list {
			if x == s {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.byType, k)
		} else {
			b.byType[k] = list
		}
	}
	b.count--
	close(s.ch)
}

// dedupe returns the index keys for a type filter; no filter maps to "".
func dedupe(types []string) []string {
	if len(types) == 0 {
		return []string{""}
	}
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

// StatsOf reports traffic counters for buses created by New and zero for
// anything else.
func StatsOf(b Bus) Stats {
	mb, ok := b.(*bus)
	if !ok {
		return Stats{}
	}
	mb.mu.RLock()
	n := mb.count
	mb.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   mb.published.Load(),
		Delivered:   mb.delivered.Load(),
		Dropped:     mb.dropped.Load(),
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 { return StatsOf(b).Dropped }
