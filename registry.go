package mqttbridge

import (
	"sort"
	"sync"
)

// Subscription is a confirmed subscription held by the registry.
type Subscription struct {
	Filter       string
	RequestedQoS byte
	GrantedQoS   byte
	Handler      MessageHandler
}

// Registry maps topic filters to subscriptions.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Add records or replaces the subscription for sub.Filter.
func (r *Registry) Add(sub *Subscription) {
	r.mu.Lock()
	r.subs[sub.Filter] = sub
	r.mu.Unlock()
}

// Remove deletes the subscription for filter and reports whether it existed.
func (r *Registry) Remove(filter string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[filter]
	delete(r.subs, filter)
	return sub, ok
}

// SetGranted updates the granted QoS of an existing subscription.
func (r *Registry) SetGranted(filter string, qos byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[filter]
	if ok {
		sub.GrantedQoS = qos
	}
	return ok
}

// Get returns the subscription for filter.
func (r *Registry) Get(filter string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[filter]
	return sub, ok
}

// Match returns the handlers of every subscription matching topic, one per
// matching filter, ordered by filter.
func (r *Registry) Match(topic string) []MessageHandler {
	r.mu.RLock()
	var matched []*Subscription
	for filter, sub := range r.subs {
		if TopicMatch(filter, topic) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Filter < matched[j].Filter })

	handlers := make([]MessageHandler, 0, len(matched))
	for _, sub := range matched {
		if sub.Handler != nil {
			handlers = append(handlers, sub.Handler)
		}
	}
	return handlers
}

// Snapshot returns a copy of every subscription ordered by filter.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, *sub)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
}
