package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway opens payment sessions once its script has been loaded.
type Gateway interface {
	Name() string
	Open(ctx context.Context, req SessionRequest) (Checkout, error)
}

// SuccessVerifier is implemented by gateways that sign their success callbacks.
type SuccessVerifier interface {
	VerifySuccess(orderRef, paymentID, signature string) error
}

// WebhookConfirmer is implemented by gateways that report payment outcomes
// server to server. Browser success and failure callbacks are refused for them.
type WebhookConfirmer interface {
	ConfirmsByWebhook() bool
}

// SessionCanceller is implemented by gateways that can void an opened session
// so it can no longer be paid.
type SessionCanceller interface {
	CancelSession(ctx context.Context, providerRef string) error
}

// Checkout is what the client needs to present an opened session to the shopper.
type Checkout struct {
	ProviderRef string         `json:"providerRef,omitempty"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
	Widget      *WidgetOptions `json:"widget,omitempty"`
	ExpiresAt   time.Time      `json:"expiresAt,omitempty"`
}

// ErrSessionNotFound is returned when a callback references an unknown session.
var ErrSessionNotFound = errors.New("payments: session not found")

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrPaymentIDRequired is returned when a success callback carries no payment id.
var ErrPaymentIDRequired = errors.New("payments: payment id is required")

// ErrSignatureInvalid is returned when a success callback signature does not verify.
var ErrSignatureInvalid = errors.New("payments: signature invalid")

// ErrWebhookConfirmed is returned when a browser callback reports an outcome the
// gateway itself must confirm.
var ErrWebhookConfirmed = errors.New("payments: outcome is confirmed by gateway webhook")

// ErrCancelRejected is returned when the gateway refuses to void a session.
var ErrCancelRejected = errors.New("payments: gateway rejected session cancellation")

// GatewayConstructionError reports that the gateway rejected the session parameters.
type GatewayConstructionError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *GatewayConstructionError) Error() string {
	return fmt.Sprintf("payments: open %s session: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error.
func (e *GatewayConstructionError) Unwrap() error { return e.Err }

// Logger receives structured payment events.
type Logger func(ctx context.Context, event string, fields map[string]any)
