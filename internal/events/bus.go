package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// SubscribeMany fans several topics into one channel; used by the websocket
// stream to forward trigger and kill-switch events together. The returned
// unsubscribe detaches from every topic and closes the channel.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan Message, func()) {
	out := make(chan Message, buffer)
	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(topics))

	for _, topic := range topics {
		ch, unsub := b.Subscribe(topic, buffer)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(topic Event, ch <-chan any) {
			defer wg.Done()
			for payload := range ch {
				select {
				case out <- Message{Event: topic, Payload: payload}:
				default:
					// drop if the consumer is slow; keep broker non-blocking
				}
			}
		}(topic, ch)
	}

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			wg.Wait()
			close(out)
		})
	}
	return out, cancel
}

// Message pairs a payload with the topic it was published on.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// Publish fan-outs the payload to subscribers asynchronously to avoid blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
