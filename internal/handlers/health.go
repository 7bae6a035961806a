package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/httpx"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	now      func() time.Time
	started  time.Time
	version  string
	gateways func() map[string]payments.ScriptState
	checks   map[string]ReadinessCheck
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithHealthStartedAt records when the process started.
func WithHealthStartedAt(started time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.started = started
	}
}

// WithHealthVersion sets the build version reported by /healthz.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// WithGatewayStates reports payment script states on /readyz.
func WithGatewayStates(states func() map[string]payments.ScriptState) HealthOption {
	return func(h *HealthHandlers) {
		h.gateways = states
	}
}

// WithReadinessCheck registers a named dependency check.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name == "" || check == nil {
			return
		}
		h.checks[name] = check
	}
}

// NewHealthHandlers constructs probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		now:    time.Now,
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.started.IsZero() {
		h.started = h.now()
	}
	return h
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.started.UTC()).Round(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// Readyz runs the registered checks. Gateway scripts load lazily, so a failed
// load marks the service degraded without failing the probe.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			checks[name] = err.Error()
			status = "error"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	gateways := map[string]string{}
	if h.gateways != nil {
		for provider, state := range h.gateways() {
			gateways[provider] = string(state)
			if state == payments.ScriptLoadFailed && status == "ok" {
				status = "degraded"
			}
		}
	}

	httpx.WriteJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"gateways":  gateways,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
