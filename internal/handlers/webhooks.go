package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/httpx"
)

const maxWebhookBodySize = 256 * 1024

type stripeWebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (payments.WebhookResult, bool, error)
}

type providerResolver interface {
	ResolveByProviderRef(ctx context.Context, provider, providerRef string, outcome payments.Outcome) (bool, error)
}

// WebhookHandlers receives gateway-originated payment events.
type WebhookHandlers struct {
	stripe   stripeWebhookParser
	resolver providerResolver
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs webhook handlers. A nil parser disables the Stripe endpoint.
func NewWebhookHandlers(stripe stripeWebhookParser, resolver providerResolver, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{stripe: stripe, resolver: resolver, logger: logger}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil || h.resolver == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_disabled", "stripe webhooks are not configured", http.StatusNotFound))
		return
	}
	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	result, ok, err := h.stripe.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	}
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	applied, err := h.resolver.ResolveByProviderRef(ctx, payments.StripeProvider, result.ProviderRef, result.Outcome)
	if err != nil && !errors.Is(err, payments.ErrSessionNotFound) {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to apply webhook", http.StatusInternalServerError))
		return
	}
	h.logger(ctx, "webhooks.stripe.received", map[string]any{
		"eventId":     result.EventID,
		"eventType":   result.EventType,
		"providerRef": result.ProviderRef,
		"applied":     applied,
		"known":       err == nil,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true, "applied": applied})
}
