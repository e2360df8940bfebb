package gateway

import (
	"context"
	"sync"

	"github.com/crewlyhq/crewly-billing/internal/idgen"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

// Fake is an in-memory Adapter for tests and local development. By default
// every charge succeeds synchronously; tests script failures per call.
type Fake struct {
	mu sync.Mutex

	// NextResults is consumed front-to-back, one entry per Charge call.
	// When empty, charges succeed.
	NextResults []FakeResult
	// Secret is the expected webhook signature.
	Secret string

	Charges   []ChargeRequest
	Customers map[string]string // tenant ID -> customer ID
}

// FakeResult scripts the outcome of one Charge call.
type FakeResult struct {
	Status      ChargeStatus
	FailureCode string
	Err         error
}

// NewFake creates a fake adapter.
func NewFake() *Fake {
	return &Fake{Secret: "test-secret", Customers: make(map[string]string)}
}

func (f *Fake) EnsureCustomer(_ context.Context, t *tenant.Tenant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.GatewayCustomerID != "" {
		return t.GatewayCustomerID, nil
	}
	if id, ok := f.Customers[t.ID]; ok {
		return id, nil
	}
	id := "cus_" + idgen.Hex(8)
	f.Customers[t.ID] = id
	return id, nil
}

func (f *Fake) Charge(_ context.Context, req *ChargeRequest) (*ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Charges = append(f.Charges, *req)

	result := FakeResult{Status: ChargeSucceeded}
	if len(f.NextResults) > 0 {
		result = f.NextResults[0]
		f.NextResults = f.NextResults[1:]
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return &ChargeResult{
		TransactionRef: "faketxn_" + idgen.Hex(8),
		Status:         result.Status,
		FailureCode:    result.FailureCode,
	}, nil
}

// VerifyWebhook accepts payloads of the form "<type>|<txn ref>" signed with
// the fake secret.
func (f *Fake) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if signature != f.Secret {
		return nil, ErrInvalidSignature
	}
	typ, ref := splitPayload(string(payload))
	ev := &Event{TransactionRef: ref, GatewayEventID: "evt_" + idgen.Hex(6)}
	switch typ {
	case "succeeded":
		ev.Type = EventChargeSucceeded
	case "failed":
		ev.Type = EventChargeFailed
		ev.FailureCode = "card_declined"
	default:
		ev.Type = EventIgnored
	}
	return ev, nil
}

// ChargeCount returns how many charges were placed.
func (f *Fake) ChargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Charges)
}

func splitPayload(s string) (typ, ref string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

var _ Adapter = (*Fake)(nil)
