package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeProvider is the registration key of the hosted Stripe Checkout gateway.
const StripeProvider = "stripe"

const (
	metadataSessionID = "session_id"
	metadataOrderRef  = "order_ref"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the StripeGateway.
type StripeConfig struct {
	APIKey        string
	AccountID     string
	SuccessURL    string
	CancelURL     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time

	sessions stripeSessionAPI
}

// StripeGateway opens hosted Stripe Checkout sessions.
type StripeGateway struct {
	sessions      stripeSessionAPI
	account       string
	successURL    string
	cancelURL     string
	webhookSecret string
	clock         func() time.Time
	logger        Logger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" || strings.TrimSpace(cfg.CancelURL) == "" {
		return nil, errors.New("stripe: success and cancel urls are required")
	}

	sessions := cfg.sessions
	if sessions == nil {
		sc := client.New(apiKey, cfg.Backends)
		sessions = sc.CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		sessions:      sessions,
		account:       strings.TrimSpace(cfg.AccountID),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Gateway.
func (g *StripeGateway) Name() string { return StripeProvider }

// Open implements Gateway by creating a Stripe Checkout session with a single line item.
func (g *StripeGateway) Open(ctx context.Context, req SessionRequest) (Checkout, error) {
	if g == nil {
		return Checkout{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 {
		return Checkout{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(expandSessionURL(g.successURL, req.SessionID)),
		CancelURL:         stripe.String(expandSessionURL(g.cancelURL, req.SessionID)),
		ClientReferenceID: stripe.String(req.OrderRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.SessionID)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if email := strings.TrimSpace(req.Prefill.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := map[string]string{
		metadataSessionID: req.SessionID,
		metadataOrderRef:  req.OrderRef,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Order"
	}
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(name),
	}
	if req.Description != "" {
		product.Description = stripe.String(req.Description)
	}
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:    stripe.String(strings.ToLower(req.Currency)),
			UnitAmount:  stripe.Int64(req.Amount),
			ProductData: product,
		},
	}}

	session, err := g.sessions.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"stripeSessionId": session.ID,
		"sessionId":       req.SessionID,
		"currency":        session.Currency,
	})

	expiresAt := g.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return Checkout{
		ProviderRef: session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// ConfirmsByWebhook implements WebhookConfirmer. Hosted sessions are settled
// only by signed Stripe events.
func (g *StripeGateway) ConfirmsByWebhook() bool { return true }

// CancelSession implements SessionCanceller by expiring the hosted session so
// the shopper can no longer pay it.
func (g *StripeGateway) CancelSession(ctx context.Context, providerRef string) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return errors.New("stripe: session reference is required")
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if _, err := g.sessions.Expire(providerRef, params); err != nil {
		return fmt.Errorf("stripe: expire checkout session: %w", err)
	}
	g.logger(ctx, "payments.stripe.session.expired", map[string]any{
		"stripeSessionId": providerRef,
	})
	return nil
}

// WebhookResult is the session outcome carried by a Stripe webhook event.
type WebhookResult struct {
	EventID     string
	EventType   string
	ProviderRef string
	Outcome     Outcome
}

// ParseWebhook verifies the Stripe signature and maps checkout session events to
// outcomes. Events that carry no outcome return ok=false with a nil error.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (WebhookResult, bool, error) {
	if g == nil {
		return WebhookResult{}, false, errors.New("stripe: gateway is nil")
	}
	if g.webhookSecret == "" {
		return WebhookResult{}, false, errors.New("stripe: webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, false, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	eventType := string(event.Type)
	if !strings.HasPrefix(eventType, "checkout.session.") || event.Data == nil {
		return WebhookResult{EventID: event.ID, EventType: eventType}, false, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookResult{}, false, fmt.Errorf("stripe: decode checkout session: %w", err)
	}

	result := WebhookResult{
		EventID:     event.ID,
		EventType:   eventType,
		ProviderRef: session.ID,
	}
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return result, false, nil
		}
		paymentID := session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			paymentID = session.PaymentIntent.ID
		}
		result.Outcome = Succeeded{PaymentID: paymentID}
	case "checkout.session.async_payment_failed":
		result.Outcome = Failed{Code: "async_payment_failed"}
	case "checkout.session.expired":
		result.Outcome = Cancelled{}
	default:
		return result, false, nil
	}
	return result, true, nil
}

func expandSessionURL(raw, sessionID string) string {
	return strings.ReplaceAll(raw, "{SESSION_ID}", sessionID)
}
