// Package stream fans domain events out to the connected clients of the
// account they concern, so that a success page can learn that credits
// landed without polling.
package stream

import (
	"context"
	"sync"
	"time"
)

// Event is what subscribers receive.
type Event struct {
	Topic     string    `json:"topic"`
	AccountID string    `json:"account_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	accountID string
	ch        chan Event
}

// Hub fan-outs events to subscribers of one account. It satisfies
// mq.Publisher so it can sit beside the broker publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	now  func() time.Time
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{
		subs: make(map[int]subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber for accountID and returns a channel which
// will receive its events. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, accountID string) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{accountID: accountID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Subscribers reports how many subscriptions are open.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers payload to the subscribers of the account named by its
// account_id field. Payloads without one are dropped. Publish never blocks
// on a slow subscriber.
func (h *Hub) Publish(_ context.Context, topic string, payload any) error {
	fields, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	accountID, _ := fields["account_id"].(string)
	if accountID == "" {
		return nil
	}
	evt := Event{
		Topic:     topic,
		AccountID: accountID,
		Data:      payload,
		Timestamp: h.now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.accountID != accountID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}
