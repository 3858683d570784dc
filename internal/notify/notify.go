// Package notify fans out change notifications from the access stores to
// their observers.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Notifier is implemented by anything observers can subscribe to.
type Notifier interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Broadcaster delivers notifications synchronously, in registration order.
// The zero value is ready to use.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
}

type subscriber struct {
	id uint64
	fn func()
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Broadcaster) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify calls every subscriber. It must not be called with the owner's lock
// held. A panicking subscriber is logged and does not stop delivery.
func (b *Broadcaster) Notify() {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		call(s)
	}
}

func call(s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Uint64("subscriber", s.id).Msg("Change observer panicked")
		}
	}()
	s.fn()
}
