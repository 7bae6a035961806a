// Package checkout validates the shipping form, prices the cart and drives one
// payment attempt per cart through the payments manager.
package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"finitefield.org/storefront/internal/payments"
)

const instrumentationName = "finitefield.org/storefront/internal/checkout"

var tracer = otel.Tracer(instrumentationName)

var (
	// ErrEmptyCart indicates checkout was requested for a cart without items.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrAttemptInFlight indicates the cart already has an unresolved payment attempt.
	ErrAttemptInFlight = errors.New("checkout: attempt already in flight")
	// ErrAttemptNotFound indicates no attempt matches the session id.
	ErrAttemptNotFound = errors.New("checkout: attempt not found")
	// ErrInvalidInput indicates the caller supplied invalid input parameters.
	ErrInvalidInput = errors.New("checkout: invalid input")
)

const (
	cancelledMessage = "Payment cancelled."
	succeededMessage = "Payment successful!"
)

// Cart is the view of a shopper's cart the orchestrator needs.
type Cart interface {
	Priced
	IsEmpty() bool
	Clear()
}

type sessionManager interface {
	Begin(ctx context.Context, pctx payments.PaymentContext, req payments.SessionRequest, onResolve payments.ResolveFunc) (*payments.Session, payments.Checkout, error)
}

// Deps wires the dependencies required by the checkout service.
type Deps struct {
	Payments         sessionManager
	TaxRate          decimal.Decimal
	ConversionRate   decimal.Decimal
	Currency         string
	DefaultCountry   string
	StoreName        string
	StoreDescription string
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
	Meter            metric.Meter
}

// Service orchestrates checkout attempts.
type Service struct {
	payments       sessionManager
	taxRate        decimal.Decimal
	conversionRate decimal.Decimal
	currency       string
	country        string
	storeName      string
	storeDesc      string
	now            func() time.Time
	logger         func(ctx context.Context, event string, fields map[string]any)
	outcomes       metric.Int64Counter

	mu       sync.Mutex
	inFlight map[string]string
	attempts map[string]*Attempt
}

// NewService constructs a Service validating required dependencies.
func NewService(deps Deps) (*Service, error) {
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	if deps.TaxRate.IsNegative() {
		return nil, errors.New("checkout service: tax rate must not be negative")
	}
	if !deps.ConversionRate.IsPositive() {
		return nil, errors.New("checkout service: conversion rate must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("checkout service: currency is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	outcomes, err := meter.Int64Counter(
		"checkout.attempts",
		metric.WithDescription("Count of checkout attempts by final result"),
	)
	if err != nil {
		outcomes = nil
	}

	return &Service{
		payments:       deps.Payments,
		taxRate:        deps.TaxRate,
		conversionRate: deps.ConversionRate,
		currency:       currency,
		country:        strings.TrimSpace(deps.DefaultCountry),
		storeName:      strings.TrimSpace(deps.StoreName),
		storeDesc:      strings.TrimSpace(deps.StoreDescription),
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		outcomes: outcomes,
		inFlight: make(map[string]string),
		attempts: make(map[string]*Attempt),
	}, nil
}

// Currency returns the display and settlement currency.
func (s *Service) Currency() string { return s.currency }

// Quote holds the pre-submit view of a cart: validity and the monetary breakdown.
type Quote struct {
	Totals        Totals   `json:"totals"`
	Currency      string   `json:"currency"`
	AmountMinor   int64    `json:"amountMinorUnits"`
	Submittable   bool     `json:"submittable"`
	MissingFields []string `json:"missingFields"`
}

// Totals computes the breakdown with the configured tax and conversion rates.
func (s *Service) Totals(c Priced) Totals {
	return ComputeTotals(c, s.taxRate, s.conversionRate)
}

// Quote reports whether the form can be submitted and what the cart would cost.
func (s *Service) Quote(c Priced, form ShippingForm) Quote {
	form = form.Sanitize(s.country)
	totals := s.Totals(c)
	missing := MissingFields(form)
	if missing == nil {
		missing = []string{}
	}
	return Quote{
		Totals:        totals,
		Currency:      s.currency,
		AmountMinor:   payments.MinorUnits(totals.Total),
		Submittable:   len(missing) == 0,
		MissingFields: missing,
	}
}

// SubmitRequest captures one checkout submission.
type SubmitRequest struct {
	CartID   string
	Form     ShippingForm
	Provider string
}

// Submit validates the cart and form, then opens a payment session. The cart is
// cleared only when the session later resolves as succeeded.
func (s *Service) Submit(ctx context.Context, req SubmitRequest, c Cart) (*Attempt, error) {
	if s == nil || s.payments == nil {
		return nil, errors.New("checkout: service unavailable")
	}
	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		return nil, ErrInvalidInput
	}
	if c == nil || c.IsEmpty() {
		return nil, ErrEmptyCart
	}
	form := req.Form.Sanitize(s.country)
	if missing := MissingFields(form); len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	s.mu.Lock()
	if _, busy := s.inFlight[cartID]; busy {
		s.mu.Unlock()
		return nil, ErrAttemptInFlight
	}
	s.inFlight[cartID] = ""
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "checkout.submit")
	defer span.End()

	totals := s.Totals(c)
	attempt := &Attempt{
		CartID:    cartID,
		Currency:  s.currency,
		Amount:    payments.MinorUnits(totals.Total),
		Totals:    totals,
		CreatedAt: s.now(),
		done:      make(chan struct{}),
	}
	span.SetAttributes(
		attribute.String("checkout.cart_id", cartID),
		attribute.Int64("checkout.amount_minor", attempt.Amount),
	)

	session, opened, err := s.payments.Begin(ctx,
		payments.PaymentContext{PreferredProvider: req.Provider, Currency: s.currency},
		payments.SessionRequest{
			Amount:      attempt.Amount,
			Currency:    s.currency,
			Name:        s.storeName,
			Description: s.storeDesc,
			Prefill:     form.Prefill(),
			Metadata:    map[string]string{"cart_id": cartID},
		},
		func(_ *payments.Session, outcome payments.Outcome) {
			s.complete(attempt, c, outcome)
		},
	)
	if err != nil {
		s.release(cartID, "")
		span.RecordError(err)
		span.SetStatus(codes.Error, "open payment session")
		s.record(ctx, "error")
		s.logger(ctx, "checkout.submit.failed", map[string]any{
			"cartId": cartID,
			"error":  err.Error(),
		})
		return nil, err
	}

	attempt.mu.Lock()
	attempt.SessionID = session.ID
	attempt.OrderRef = session.OrderRef
	attempt.Provider = session.Provider
	attempt.Checkout = opened
	attempt.session = session
	finished := attempt.result != nil
	attempt.mu.Unlock()

	s.mu.Lock()
	s.attempts[session.ID] = attempt
	if !finished {
		s.inFlight[cartID] = session.ID
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.String("checkout.session_id", session.ID))
	s.logger(ctx, "checkout.submit.opened", map[string]any{
		"cartId":    cartID,
		"sessionId": session.ID,
		"provider":  session.Provider,
		"amount":    attempt.Amount,
		"currency":  attempt.Currency,
	})
	return attempt, nil
}

func (s *Service) complete(a *Attempt, c Cart, outcome payments.Outcome) {
	result := Result{Status: outcome.Status()}
	switch o := outcome.(type) {
	case payments.Succeeded:
		c.Clear()
		result.PaymentID = o.PaymentID
		result.Message = succeededMessage
		result.CartCleared = true
	case payments.Failed:
		result.Code = o.Code
		result.Message = o.Message()
	case payments.Cancelled:
		result.Message = cancelledMessage
	}
	result.ResolvedAt = s.now()

	sessionID := a.finish(result)
	s.release(a.CartID, sessionID)

	ctx := context.Background()
	s.record(ctx, string(result.Status))
	s.logger(ctx, "checkout.attempt.resolved", map[string]any{
		"cartId":      a.CartID,
		"sessionId":   sessionID,
		"status":      string(result.Status),
		"cartCleared": result.CartCleared,
	})
}

func (s *Service) release(cartID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.inFlight[cartID]; ok && (current == sessionID || current == "") {
		delete(s.inFlight, cartID)
	}
}

func (s *Service) record(ctx context.Context, result string) {
	if s.outcomes == nil {
		return
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// InFlight reports whether the cart has an unresolved attempt.
func (s *Service) InFlight(cartID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[strings.TrimSpace(cartID)]
	return ok
}

// Lookup returns the attempt for the payment session id.
func (s *Service) Lookup(sessionID string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

// PruneFinished forgets attempts that resolved before the cutoff.
func (s *Service) PruneFinished(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, attempt := range s.attempts {
		result, ok := attempt.Result()
		if !ok || !result.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(s.attempts, id)
		removed++
	}
	return removed
}
