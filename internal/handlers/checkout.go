package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"finitefield.org/storefront/internal/checkout"
	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/money"
)

const (
	defaultAttemptWait = 25 * time.Second
	pollWriteMargin    = 2 * time.Second
)

type checkoutService interface {
	Quote(c checkout.Priced, form checkout.ShippingForm) checkout.Quote
	Submit(ctx context.Context, req checkout.SubmitRequest, c checkout.Cart) (*checkout.Attempt, error)
	Lookup(sessionID string) (*checkout.Attempt, error)
}

type paymentCallbacks interface {
	Succeed(ctx context.Context, sessionID, paymentID, signature string) (bool, error)
	Fail(ctx context.Context, sessionID, code, reason string) (bool, error)
	Dismiss(ctx context.Context, sessionID string) (bool, error)
}

// CheckoutHandlers exposes checkout submission, polling and the widget callbacks.
type CheckoutHandlers struct {
	checkout  checkoutService
	payments  paymentCallbacks
	carts     cartRegistry
	money     *money.Formatter
	submitMWs []func(http.Handler) http.Handler
	maxWait   time.Duration
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitMiddlewares wraps only the attempt submission route.
func WithSubmitMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.submitMWs = append(h.submitMWs, mw...)
	}
}

// WithCheckoutFormatter renders display strings for totals.
func WithCheckoutFormatter(f *money.Formatter) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.money = f
	}
}

// WithWriteTimeout bounds attempt long-polls so they answer before the
// server's write deadline closes the connection.
func WithWriteTimeout(timeout time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if timeout <= 0 {
			return
		}
		limit := timeout - pollWriteMargin
		if limit <= 0 {
			limit = timeout / 2
		}
		if limit < h.maxWait {
			h.maxWait = limit
		}
	}
}

// WithCheckoutLogger sets the event logger for callback diagnostics.
func WithCheckoutLogger(logger func(ctx context.Context, event string, fields map[string]any)) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(svc checkoutService, callbacks paymentCallbacks, carts cartRegistry, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout: svc,
		payments: callbacks,
		carts:    carts,
		maxWait:  defaultAttemptWait,
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/totals", h.quote)
	r.With(h.submitMWs...).Post("/attempts", h.submit)
	r.Route("/attempts/{sessionId}", func(rt chi.Router) {
		rt.Get("/", h.getAttempt)
		rt.Post("/success", h.success)
		rt.Post("/failure", h.failure)
		rt.Post("/dismiss", h.dismiss)
	})
}

type quoteRequest struct {
	Form checkout.ShippingForm `json:"form"`
}

type submitRequest struct {
	Form     checkout.ShippingForm `json:"form"`
	Provider string                `json:"provider"`
}

type successRequest struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type failureRequest struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Step        string `json:"step"`
	Reason      string `json:"reason"`
}

type totalsDisplay struct {
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
}

type quotePayload struct {
	checkout.Quote
	Display *totalsDisplay `json:"display,omitempty"`
}

type attemptPayload struct {
	SessionID   string             `json:"sessionId"`
	OrderRef    string             `json:"orderRef"`
	Provider    string             `json:"provider"`
	Status      payments.Status    `json:"status"`
	AmountMinor int64              `json:"amountMinorUnits"`
	Currency    string             `json:"currency"`
	Totals      checkout.Totals    `json:"totals"`
	Display     *totalsDisplay     `json:"display,omitempty"`
	Checkout    *payments.Checkout `json:"checkout,omitempty"`
	Result      *checkout.Result   `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	Applied     *bool              `json:"applied,omitempty"`
}

func (h *CheckoutHandlers) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h.checkout == nil || h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	id, ok := shopperID(ctx, w)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	q := h.checkout.Quote(h.carts.Get(id), req.Form)
	httpx.WriteJSON(w, http.StatusOK, quotePayload{Quote: q, Display: h.display(q.Totals)})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	id, ok := shopperID(ctx, w)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	attempt, err := h.checkout.Submit(ctx, checkout.SubmitRequest{
		CartID:   id,
		Form:     req.Form,
		Provider: strings.TrimSpace(req.Provider),
	}, h.carts.Get(id))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, h.attemptPayload(attempt))
}

func (h *CheckoutHandlers) getAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("wait")); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "wait must be a non-negative duration", http.StatusBadRequest))
			return
		}
		if wait > h.maxWait {
			wait = h.maxWait
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		_, _ = attempt.Wait(waitCtx)
		cancel()
	}
	noStore(w)
	httpx.WriteJSON(w, http.StatusOK, h.attemptPayload(attempt))
}

func (h *CheckoutHandlers) success(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	var req successRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	applied, err := h.payments.Succeed(ctx, attempt.SessionID, req.PaymentID, req.Signature)
	h.writeCallback(ctx, w, attempt, applied, err)
}

func (h *CheckoutHandlers) failure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	var req failureRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	reason := strings.TrimSpace(req.Description)
	if reason == "" {
		reason = strings.TrimSpace(req.Reason)
	}
	h.logger(ctx, "checkout.callback.failure", map[string]any{
		"sessionId": attempt.SessionID,
		"code":      req.Code,
		"source":    req.Source,
		"step":      req.Step,
		"reason":    req.Reason,
	})
	applied, err := h.payments.Fail(ctx, attempt.SessionID, req.Code, reason)
	h.writeCallback(ctx, w, attempt, applied, err)
}

func (h *CheckoutHandlers) dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	applied, err := h.payments.Dismiss(ctx, attempt.SessionID)
	h.writeCallback(ctx, w, attempt, applied, err)
}

func (h *CheckoutHandlers) writeCallback(ctx context.Context, w http.ResponseWriter, attempt *checkout.Attempt, applied bool, err error) {
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	payload := h.attemptPayload(attempt)
	payload.Applied = &applied
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// ownedAttempt resolves the attempt and hides attempts belonging to other shoppers.
func (h *CheckoutHandlers) ownedAttempt(w http.ResponseWriter, r *http.Request) (*checkout.Attempt, bool) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return nil, false
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	id, ok := shopperID(ctx, w)
	if !ok {
		return nil, false
	}
	attempt, err := h.checkout.Lookup(chi.URLParam(r, "sessionId"))
	if err != nil || attempt.CartID != id {
		writeCheckoutError(ctx, w, checkout.ErrAttemptNotFound)
		return nil, false
	}
	return attempt, true
}

func (h *CheckoutHandlers) attemptPayload(a *checkout.Attempt) attemptPayload {
	payload := attemptPayload{
		SessionID:   a.SessionID,
		OrderRef:    a.OrderRef,
		Provider:    a.Provider,
		Status:      a.Status(),
		AmountMinor: a.Amount,
		Currency:    a.Currency,
		Totals:      a.Totals,
		Display:     h.display(a.Totals),
		CreatedAt:   a.CreatedAt,
	}
	if result, ok := a.Result(); ok {
		payload.Status = result.Status
		payload.Result = &result
	} else {
		opened := a.Checkout
		payload.Checkout = &opened
	}
	return payload
}

func (h *CheckoutHandlers) display(t checkout.Totals) *totalsDisplay {
	if h.money == nil {
		return nil
	}
	return &totalsDisplay{
		Subtotal: h.money.Format(t.Subtotal),
		Tax:      h.money.Format(t.Tax),
		Total:    h.money.Format(t.Total),
	}
}
