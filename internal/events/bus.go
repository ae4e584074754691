package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus fans events out to subscribers over bounded channels. Publishing never
// blocks: a subscriber that cannot keep up loses events and the first drop is
// logged.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	ch      chan Envelope
	dropped uint64
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log, subs: make(map[int]*subscriber)}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed by cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Envelope, buffer)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if current, ok := b.subs[id]; ok && current == sub {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(event Event) {
	envelope := Envelope{Time: time.Now().UTC(), Event: event}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- envelope:
		default:
			sub.dropped++
			if sub.dropped == 1 && b.log != nil {
				b.log.Warn("event subscriber queue full, dropping",
					zap.String("kind", string(event.Kind())),
					zap.String("strategy_id", event.Strategy()),
				)
			}
		}
	}
}
