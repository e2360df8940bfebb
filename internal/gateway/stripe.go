package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

// StripeAdapter implements Adapter against the Stripe API.
type StripeAdapter struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeAdapter creates a Stripe-backed adapter.
func NewStripeAdapter(apiKey, webhookSecret string, logger *slog.Logger) *StripeAdapter {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeAdapter{
		api:           api,
		webhookSecret: webhookSecret,
		logger:        logger.With("component", "stripe"),
	}
}

func (s *StripeAdapter) EnsureCustomer(ctx context.Context, t *tenant.Tenant) (string, error) {
	if t.GatewayCustomerID != "" {
		return t.GatewayCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Name: stripe.String(t.Name),
	}
	params.Context = ctx
	params.AddMetadata("tenant_id", t.ID)
	params.AddMetadata("tenant_slug", t.Slug)

	cust, err := s.api.Customers.New(params)
	if err != nil {
		return "", s.classify("create_customer", err)
	}
	s.logger.Info("created gateway customer", "tenant_id", t.ID, "customer_id", cust.ID)
	return cust.ID, nil
}

func (s *StripeAdapter) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Customer:    stripe.String(req.CustomerID),
		Description: stripe.String(req.Description),
		Confirm:     stripe.Bool(true),
	}
	params.Context = ctx
	if req.OffSession {
		params.OffSession = stripe.Bool(true)
	}
	params.AddMetadata("tenant_id", req.TenantID)
	params.AddMetadata("subscription_id", req.SubscriptionID)
	params.AddMetadata("payment_id", req.PaymentID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		// Stripe reports declines as API errors carrying the failed intent.
		var sErr *stripe.Error
		if errors.As(err, &sErr) {
			result := &ChargeResult{Status: ChargeFailed, FailureCode: failureCode(sErr)}
			if sErr.PaymentIntent != nil {
				result.TransactionRef = sErr.PaymentIntent.ID
			}
			if declined(sErr) {
				s.logger.Warn("charge declined",
					"payment_id", req.PaymentID, "code", result.FailureCode)
				return result, nil
			}
		}
		return nil, s.classify("charge", err)
	}

	return &ChargeResult{
		TransactionRef: pi.ID,
		Status:         intentStatus(pi.Status),
	}, nil
}

func (s *StripeAdapter) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	out := &Event{GatewayEventID: event.ID, Type: EventIgnored}
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.TransactionRef = pi.ID
		if event.Type == "payment_intent.succeeded" {
			out.Type = EventChargeSucceeded
		} else {
			out.Type = EventChargeFailed
			if pi.LastPaymentError != nil {
				out.FailureCode = string(pi.LastPaymentError.Code)
			}
		}
	}
	return out, nil
}

func (s *StripeAdapter) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: op + "_timeout", Timeout: true, Err: err}
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &Error{Code: string(sErr.Code), Declined: declined(sErr), Err: err}
	}
	return &Error{Code: op + "_failed", Err: err}
}

func declined(sErr *stripe.Error) bool {
	switch sErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeProcessingError:
		return true
	}
	return false
}

func failureCode(sErr *stripe.Error) string {
	if sErr.DeclineCode != "" {
		return string(sErr.DeclineCode)
	}
	return string(sErr.Code)
}

func intentStatus(s stripe.PaymentIntentStatus) ChargeStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return ChargePending
	default:
		return ChargeFailed
	}
}
