// Package events is a small synchronous observer registry for named state-change
// notifications.
package events

import "sync"

// Topic names a notification.
type Topic string

const (
	StateChanged      Topic = "state.changed"
	AttributeChanged  Topic = "attribute.changed"
	LogScaleChanged   Topic = "logscale.changed"
	VisibilityChanged Topic = "visibility.changed"
	ViewListUpdated   Topic = "viewlist.updated"
)

// Handler is called synchronously by Publish.
type Handler func(Topic)

type subscription struct {
	id int
	fn Handler
}

// Bus dispatches published topics to their subscribers in subscription order.
// The zero value is ready to use.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[Topic][]subscription
}

// Subscribe registers fn for topic. The returned function removes the subscription.
func (b *Bus) Subscribe(topic Topic, fn Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[Topic][]subscription)
	}
	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish calls every handler of topic. Handlers may subscribe, unsubscribe or publish
// while running; they see the subscriber list as it was when Publish started.
func (b *Bus) Publish(topic Topic) {
	b.mu.Lock()
	subs := b.subs[topic]
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(topic)
	}
}
