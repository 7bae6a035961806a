package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	sessionIDPrefix = "ps_"
	orderRefPrefix  = "order_"
)

// Manager selects a gateway per attempt, opens sessions on it and routes
// gateway callbacks back to the session they belong to.
type Manager struct {
	resources       map[string]*Resource
	defaultProvider string
	currencyRoutes  map[string]string
	clock           func() time.Time
	newID           func() string
	logger          Logger
	meter           metric.Meter
	metrics         *metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	byRef    map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when neither a preference nor a currency route matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseProvider(provider)
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normaliseProvider(v)
		}
	}
}

// WithManagerClock overrides the clock used for session timestamps.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator overrides the generator used for session ids and order references.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithManagerLogger installs a structured event logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMeter overrides the meter used for payment metrics.
func WithMeter(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		m.meter = meter
	}
}

// NewManager constructs a Manager over the supplied gateway resources.
func NewManager(resources map[string]*Resource, opts ...ManagerOption) (*Manager, error) {
	if len(resources) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]*Resource, len(resources))
	for k, v := range resources {
		key := normaliseProvider(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		resources: copyMap,
		clock:     time.Now,
		newID:     func() string { return strings.ToLower(ulid.Make().String()) },
		logger:    func(context.Context, string, map[string]any) {},
		sessions:  make(map[string]*Session),
		byRef:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMetrics(m.meter)
	for _, res := range m.resources {
		res.metrics = m.metrics
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a gateway.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(pctx PaymentContext) (string, *Resource, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := normaliseProvider(pctx.PreferredProvider); provider != "" {
		if res, ok := m.resources[provider]; ok {
			return provider, res, nil
		}
		return "", nil, ErrUnsupportedProvider
	}
	currency := strings.ToUpper(strings.TrimSpace(pctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if provider, ok := m.currencyRoutes[currency]; ok {
			if res, ok := m.resources[provider]; ok {
				return provider, res, nil
			}
		}
	}
	if m.defaultProvider != "" {
		if res, ok := m.resources[m.defaultProvider]; ok {
			return m.defaultProvider, res, nil
		}
	}
	if len(m.resources) == 1 {
		for key, res := range m.resources {
			return key, res, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Begin ensures the selected gateway is loaded and opens a new session on it.
// onResolve runs exactly once, when the session reaches a terminal state.
func (m *Manager) Begin(ctx context.Context, pctx PaymentContext, req SessionRequest, onResolve ResolveFunc) (*Session, Checkout, error) {
	provider, res, err := m.resolveProvider(pctx)
	if err != nil {
		return nil, Checkout{}, err
	}

	ctx, span := tracer.Start(ctx, "payments.session.begin")
	span.SetAttributes(attribute.String("payments.provider", provider))
	defer span.End()

	gw, err := res.EnsureLoaded(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway unavailable")
		m.logger(ctx, "payments.script.unavailable", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil, Checkout{}, err
	}

	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = sessionIDPrefix + m.newID()
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		req.OrderRef = orderRefPrefix + m.newID()
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	span.SetAttributes(attribute.String("payments.session_id", req.SessionID))

	session := newSession(req, provider, m.clock().UTC(), m.completion(provider, onResolve))

	checkout, err := gw.Open(ctx, req)
	if err != nil {
		var ctorErr *GatewayConstructionError
		if !errors.As(err, &ctorErr) {
			err = &GatewayConstructionError{Provider: provider, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway rejected session")
		m.logger(ctx, "payments.session.rejected", map[string]any{
			"provider":  provider,
			"sessionId": req.SessionID,
			"error":     err.Error(),
		})
		return nil, Checkout{}, err
	}
	if checkout.ProviderRef == "" {
		checkout.ProviderRef = req.OrderRef
	}
	session.markAwaiting(checkout.ProviderRef)

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.byRef[refKey(provider, checkout.ProviderRef)] = session.ID
	m.mu.Unlock()

	m.logger(ctx, "payments.session.opened", map[string]any{
		"provider":    provider,
		"sessionId":   session.ID,
		"orderRef":    session.OrderRef,
		"providerRef": checkout.ProviderRef,
		"amount":      session.Amount,
		"currency":    session.Currency,
	})
	return session, checkout, nil
}

func (m *Manager) completion(provider string, onResolve ResolveFunc) ResolveFunc {
	return func(session *Session, outcome Outcome) {
		ctx := context.Background()
		m.metrics.sessionResolved(ctx, provider, outcome.Status())
		m.logger(ctx, "payments.session.resolved", map[string]any{
			"provider":  provider,
			"sessionId": session.ID,
			"status":    string(outcome.Status()),
		})
		if onResolve != nil {
			onResolve(session, outcome)
		}
	}
}

// Lookup returns the session with the given id.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[strings.TrimSpace(sessionID)]
	return session, ok
}

// Resolve applies the outcome to the session and reports whether it was the
// resolving call. Outcomes for already resolved sessions are ignored.
func (m *Manager) Resolve(ctx context.Context, sessionID string, outcome Outcome) (bool, error) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	return m.apply(ctx, session, outcome), nil
}

// Succeed reports a completed payment for the session. When the gateway signs
// its callbacks an unverifiable signature resolves the session as failed.
// Gateways confirmed by webhook return ErrWebhookConfirmed.
func (m *Manager) Succeed(ctx context.Context, sessionID, paymentID, signature string) (bool, error) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return false, ErrPaymentIDRequired
	}
	gw := m.gatewayFor(session)
	if err := m.refuseBrowserOutcome(ctx, session, gw, "success"); err != nil {
		return false, err
	}
	if verifier, ok := gw.(SuccessVerifier); ok {
		if err := verifier.VerifySuccess(session.OrderRef, paymentID, signature); err != nil {
			m.logger(ctx, "payments.signature.rejected", map[string]any{
				"provider":  session.Provider,
				"sessionId": session.ID,
				"paymentId": paymentID,
			})
			return m.apply(ctx, session, Failed{Code: "signature_invalid", Reason: "Payment could not be verified."}), nil
		}
	}
	return m.apply(ctx, session, Succeeded{PaymentID: paymentID}), nil
}

// Fail reports a gateway failure for the session.
func (m *Manager) Fail(ctx context.Context, sessionID, code, reason string) (bool, error) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	if err := m.refuseBrowserOutcome(ctx, session, m.gatewayFor(session), "failure"); err != nil {
		return false, err
	}
	return m.apply(ctx, session, Failed{Code: strings.TrimSpace(code), Reason: strings.TrimSpace(reason)}), nil
}

// Dismiss reports that the shopper closed the gateway without paying. Gateways
// that can void a session are asked to do so first; when they refuse, the
// session stays open for the gateway's own outcome.
func (m *Manager) Dismiss(ctx context.Context, sessionID string) (bool, error) {
	session, ok := m.Lookup(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	if canceller, ok := m.gatewayFor(session).(SessionCanceller); ok && !session.Status().Terminal() {
		if err := canceller.CancelSession(ctx, session.ProviderRef); err != nil {
			m.logger(ctx, "payments.session.cancel_rejected", map[string]any{
				"provider":  session.Provider,
				"sessionId": session.ID,
				"error":     err.Error(),
			})
			return false, fmt.Errorf("%w: %v", ErrCancelRejected, err)
		}
	}
	return m.apply(ctx, session, Cancelled{}), nil
}

func (m *Manager) gatewayFor(session *Session) Gateway {
	if res, ok := m.resources[session.Provider]; ok {
		return res.loaded()
	}
	return nil
}

// refuseBrowserOutcome rejects callbacks for gateways that confirm outcomes by webhook.
func (m *Manager) refuseBrowserOutcome(ctx context.Context, session *Session, gw Gateway, kind string) error {
	confirmer, ok := gw.(WebhookConfirmer)
	if !ok || !confirmer.ConfirmsByWebhook() {
		return nil
	}
	m.logger(ctx, "payments.callback.refused", map[string]any{
		"provider":  session.Provider,
		"sessionId": session.ID,
		"callback":  kind,
	})
	return ErrWebhookConfirmed
}

// ResolveByProviderRef applies an outcome reported by the gateway itself, such as a webhook.
func (m *Manager) ResolveByProviderRef(ctx context.Context, provider, providerRef string, outcome Outcome) (bool, error) {
	m.mu.RLock()
	id, ok := m.byRef[refKey(normaliseProvider(provider), strings.TrimSpace(providerRef))]
	m.mu.RUnlock()
	if !ok {
		return false, ErrSessionNotFound
	}
	return m.Resolve(ctx, id, outcome)
}

func (m *Manager) apply(ctx context.Context, session *Session, outcome Outcome) bool {
	if session.resolve(outcome, m.clock().UTC()) {
		return true
	}
	m.logger(ctx, "payments.session.ignored", map[string]any{
		"provider":  session.Provider,
		"sessionId": session.ID,
		"status":    string(session.Status()),
		"reported":  string(outcome.Status()),
	})
	return false
}

// PruneResolved forgets sessions that resolved before the cutoff and returns how many were removed.
func (m *Manager) PruneResolved(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, session := range m.sessions {
		resolvedAt := session.ResolvedAt()
		if resolvedAt.IsZero() || !resolvedAt.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		delete(m.byRef, refKey(session.Provider, session.ProviderRef))
		removed++
	}
	return removed
}

// ScriptStates reports the load state of every registered gateway.
func (m *Manager) ScriptStates() map[string]ScriptState {
	out := make(map[string]ScriptState, len(m.resources))
	for key, res := range m.resources {
		out[key] = res.State()
	}
	return out
}

// Providers returns the registered gateway names in sorted order.
func (m *Manager) Providers() []string {
	out := make([]string, 0, len(m.resources))
	for key := range m.resources {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func normaliseProvider(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func refKey(provider, ref string) string {
	return provider + ":" + ref
}
