package session

// Subscription is one active topic filter with its QoS and the client-local
// color tag presentation layers use to mark matching messages.
type Subscription struct {
	Topic string `json:"topic"`
	QoS   QoS    `json:"qos"`
	Color string `json:"color,omitempty"`
}

// subscriptionRegistry holds the session's active subscriptions in insertion
// order, keyed by topic filter. It is mutated only by the facade, under the
// facade lock, so it needs no locking of its own.
type subscriptionRegistry struct {
	order   []string
	entries map[string]Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{entries: make(map[string]Subscription)}
}

// add inserts a new subscription. A second entry for the same filter is
// refused; the existing one is kept as-is.
func (r *subscriptionRegistry) add(sub Subscription) bool {
	if _, ok := r.entries[sub.Topic]; ok {
		return false
	}
	r.entries[sub.Topic] = sub
	r.order = append(r.order, sub.Topic)
	return true
}

// remove deletes the subscription for topic, reporting whether it existed.
func (r *subscriptionRegistry) remove(topic string) (Subscription, bool) {
	sub, ok := r.entries[topic]
	if !ok {
		return Subscription{}, false
	}
	delete(r.entries, topic)
	for i, t := range r.order {
		if t == topic {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return sub, true
}

func (r *subscriptionRegistry) contains(topic string) bool {
	_, ok := r.entries[topic]
	return ok
}

// list returns the subscriptions in insertion order.
func (r *subscriptionRegistry) list() []Subscription {
	out := make([]Subscription, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.entries[t])
	}
	return out
}

func (r *subscriptionRegistry) len() int {
	return len(r.order)
}
