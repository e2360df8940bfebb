package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/pagination"
)

// MemoryStore is an in-memory payment store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment // by ID
	byRef    map[string]string   // gateway txn ref -> ID
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byRef:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.GatewayTxnRef != "" {
		if _, exists := m.byRef[p.GatewayTxnRef]; exists {
			return ErrDuplicateRef
		}
		m.byRef[p.GatewayTxnRef] = p.ID
	}
	cp := clone(p)
	m.payments[p.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) GetByTxnRef(_ context.Context, ref string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clone(m.payments[id]), nil
}

func (m *MemoryStore) AttachTxnRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if other, exists := m.byRef[ref]; exists && other != id {
		return ErrDuplicateRef
	}
	if p.GatewayTxnRef != "" && p.GatewayTxnRef != ref {
		delete(m.byRef, p.GatewayTxnRef)
	}
	p.GatewayTxnRef = ref
	m.byRef[ref] = id
	return nil
}

func (m *MemoryStore) MarkTerminal(_ context.Context, id string, status Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = status
	t := at
	p.FinalizedAt = &t
	return true, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.TenantID != tenantID {
			continue
		}
		if cursor != nil {
			if p.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if p.CreatedAt.Equal(cursor.CreatedAt) && p.ID >= cursor.ID {
				continue
			}
		}
		out = append(out, clone(p))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit > 0 && len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}

func (m *MemoryStore) FindPendingRenewal(_ context.Context, subscriptionID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Payment
	for _, p := range m.payments {
		if p.SubscriptionID != subscriptionID || p.Operation != OpRenewal || p.Status != StatusPending {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, ErrPaymentNotFound
	}
	return clone(found), nil
}

func clone(p *Payment) *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.FinalizedAt != nil {
		t := *p.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
