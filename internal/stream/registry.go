// Package stream manages WebSocket connection lifecycles and the desired
// set of streaming subscriptions.
package stream

import (
	"strings"
	"sync"
)

// Subscription is a (channel, symbol) pair the engine wants streamed. It
// lives in the registry from the moment it is requested until explicitly
// removed, independent of any connection's lifetime.
type Subscription struct {
	Channel string
	Symbol  string
}

// Key returns the normalized identity of the subscription.
func (s Subscription) Key() string {
	channel := strings.TrimSpace(strings.ToLower(s.Channel))
	symbol := strings.TrimSpace(strings.ToUpper(s.Symbol))
	return channel + "|" + symbol
}

// Registry holds the desired subscription set in insertion order.
type Registry struct {
	mu    sync.Mutex
	order []Subscription
	index map[string]struct{}
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.order = make([]Subscription, 0)
	r.index = make(map[string]struct{})
	return r
}

// Add registers the subscription, reporting whether it was newly added.
func (r *Registry) Add(sub Subscription) bool {
	key := sub.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[key]; exists {
		return false
	}
	r.index[key] = struct{}{}
	r.order = append(r.order, sub)
	return true
}

// Remove deletes the subscription, reporting whether it was present.
func (r *Registry) Remove(sub Subscription) bool {
	key := sub.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[key]; !exists {
		return false
	}
	delete(r.index, key)
	for i, candidate := range r.order {
		if candidate.Key() == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the subscription is registered.
func (r *Registry) Contains(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.index[sub.Key()]
	return exists
}

// Snapshot returns the registered subscriptions in insertion order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
