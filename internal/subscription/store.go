package subscription

import (
	"context"
	"time"
)

// Store persists subscriptions.
//
// Update is optimistic: it matches the caller's Version against the stored
// row and fails with ErrVersionConflict on a lost update. The in-process
// per-subscription locks make conflicts rare; the version check is the
// backstop when multiple instances share one database.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	// ListDue returns every non-trial active/past_due subscription whose
	// period end has passed, across all tenants.
	ListDue(ctx context.Context, now time.Time) ([]*Subscription, error)
}
