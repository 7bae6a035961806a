package handlers

import (
	"context"
	"errors"
	"net/http"

	"finitefield.org/storefront/internal/checkout"
	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/httpx"
)

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		validation *checkout.ValidationError
		scriptErr  *payments.ScriptLoadError
		ctorErr    *payments.GatewayConstructionError
	)
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "Please fill in all required fields.", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"fields": validation.Fields}))
	case errors.As(err, &scriptErr):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "Failed to initialize payment. Please try again.", http.StatusServiceUnavailable).
			WithDetails(map[string]any{"provider": scriptErr.Provider}))
	case errors.As(err, &ctorErr):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "Failed to initialize payment. Please try again.", http.StatusBadGateway).
			WithDetails(map[string]any{"provider": ctorErr.Provider}))
	case errors.Is(err, checkout.ErrAttemptInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_flight", "a payment is already in progress for this cart", http.StatusConflict))
	case errors.Is(err, payments.ErrWebhookConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_confirmation_required", "this payment is confirmed by the gateway; poll the attempt for its result", http.StatusConflict))
	case errors.Is(err, payments.ErrCancelRejected):
		httpx.WriteError(ctx, w, httpx.NewError("cancel_rejected", "the payment session can no longer be cancelled", http.StatusConflict))
	case errors.Is(err, checkout.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusConflict))
	case errors.Is(err, checkout.ErrAttemptNotFound), errors.Is(err, payments.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("attempt_not_found", "checkout attempt not found", http.StatusNotFound))
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_provider", "payment provider is not available", http.StatusBadRequest))
	case errors.Is(err, payments.ErrPaymentIDRequired), errors.Is(err, checkout.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "checkout failed", http.StatusInternalServerError))
	}
}
