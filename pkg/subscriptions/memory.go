package subscriptions

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry, EventStore and CustomerResolver
type MemoryRegistry struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	events    map[string]struct{}
	customers map[string]string
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		subs:      make(map[string]*Subscription),
		events:    make(map[string]struct{}),
		customers: make(map[string]string),
	}
}

// Put stores sub directly, bypassing event ordering
func (r *MemoryRegistry) Put(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *sub
	r.subs[sub.ID] = &c
}

// LinkCustomer associates a processor customer with a user
func (r *MemoryRegistry) LinkCustomer(customerID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[customerID] = userID
}

// GetActiveSubscription returns the user's current subscription
func (r *MemoryRegistry) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Subscription
	for _, sub := range r.subs {
		if sub.UserID != userID {
			continue
		}
		if best == nil || better(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func better(a, b *Subscription) bool {
	if a.IsActive() != b.IsActive() {
		return a.IsActive()
	}
	return a.StartDate.After(b.StartDate)
}

// ApplyEvent records the event and upserts the subscription
func (r *MemoryRegistry) ApplyEvent(ctx context.Context, eventID, eventType string, sub *Subscription) (ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.events[eventID]; seen {
		return Duplicate, nil
	}
	r.events[eventID] = struct{}{}

	if existing, ok := r.subs[sub.ID]; ok && existing.LastEventAt.After(sub.LastEventAt) {
		return Stale, nil
	}
	c := *sub
	r.subs[sub.ID] = &c
	return Applied, nil
}

// ResolveUser returns the user linked to customerID
func (r *MemoryRegistry) ResolveUser(ctx context.Context, customerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customers[customerID], nil
}
