package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription // by ID
	byTenant map[string]string        // tenant ID -> subscription ID
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[string]*Subscription),
		byTenant: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTenant[s.TenantID]; exists {
		return ErrAlreadyExists
	}
	s.Version = 1
	m.subs[s.ID] = cloneSub(s)
	m.byTenant[s.TenantID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSub(s), nil
}

func (m *MemoryStore) GetByTenant(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTenant[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSub(m.subs[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if s.Due(now) {
			out = append(out, cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	if s.ActiveAddons != nil {
		cp.ActiveAddons = append([]string(nil), s.ActiveAddons...)
	}
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	cp.TrialEndsAt = cloneTime(s.TrialEndsAt)
	cp.LastRenewalAt = cloneTime(s.LastRenewalAt)
	cp.GracePeriodUntil = cloneTime(s.GracePeriodUntil)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

var _ Store = (*MemoryStore)(nil)
