package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// ScriptState enumerates the load states of a gateway script resource.
type ScriptState string

const (
	// ScriptUnloaded indicates no load has been attempted since start or the last failure was retried.
	ScriptUnloaded ScriptState = "unloaded"
	// ScriptLoading indicates a load is in progress.
	ScriptLoading ScriptState = "loading"
	// ScriptReady indicates the gateway is loaded and cached for the process lifetime.
	ScriptReady ScriptState = "ready"
	// ScriptLoadFailed indicates the most recent load failed.
	ScriptLoadFailed ScriptState = "load_failed"
)

// defaultLoadTimeout bounds a shared script load, which outlives the request
// that started it.
const defaultLoadTimeout = 15 * time.Second

// Loader acquires the gateway script and returns a gateway bound to it.
type Loader interface {
	Load(ctx context.Context) (Gateway, error)
}

// LoaderFunc adapts ordinary functions to Loader.
type LoaderFunc func(ctx context.Context) (Gateway, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context) (Gateway, error) { return f(ctx) }

// ScriptLoadError reports that the gateway script could not be acquired.
type ScriptLoadError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("payments: load %s script: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ScriptLoadError) Unwrap() error { return e.Err }

// Resource owns the one stateful external acquisition of a provider: its script.
// EnsureLoaded is idempotent; concurrent callers share a single in-flight load.
type Resource struct {
	provider string
	loader   Loader
	group    singleflight.Group
	metrics  *metrics

	mu      sync.RWMutex
	state   ScriptState
	gateway Gateway
	lastErr error
}

// NewResource constructs an unloaded resource for the provider.
func NewResource(provider string, loader Loader) *Resource {
	return &Resource{
		provider: provider,
		loader:   loader,
		state:    ScriptUnloaded,
	}
}

// State returns the current load state.
func (r *Resource) State() ScriptState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastError returns the error of the most recent failed load, if any.
func (r *Resource) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

func (r *Resource) loaded() Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gateway
}

// EnsureLoaded returns the loaded gateway, loading the script first when needed.
// A failed load is never cached: the next call starts a fresh load. The shared
// load is detached from the caller's cancellation; a caller whose ctx ends
// returns early while the load continues for the others.
func (r *Resource) EnsureLoaded(ctx context.Context) (Gateway, error) {
	r.mu.RLock()
	if r.state == ScriptReady && r.gateway != nil {
		gw := r.gateway
		r.mu.RUnlock()
		return gw, nil
	}
	r.mu.RUnlock()

	if r.loader == nil {
		return nil, &ScriptLoadError{Provider: r.provider, Err: errors.New("no loader configured")}
	}

	ch := r.group.DoChan(r.provider, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultLoadTimeout)
		defer cancel()
		return r.load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Gateway), nil
	}
}

func (r *Resource) load(ctx context.Context) (Gateway, error) {
	r.mu.Lock()
	if r.state == ScriptReady && r.gateway != nil {
		gw := r.gateway
		r.mu.Unlock()
		return gw, nil
	}
	r.state = ScriptLoading
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "payments.script.load")
	span.SetAttributes(attribute.String("payments.provider", r.provider))
	defer span.End()

	gw, err := r.loader.Load(ctx)
	if err == nil && gw == nil {
		err = errors.New("loader returned no gateway")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = ScriptLoadFailed
		r.lastErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "script load failed")
		r.metrics.scriptLoad(ctx, r.provider, false)
		return nil, &ScriptLoadError{Provider: r.provider, Err: err}
	}
	r.state = ScriptReady
	r.gateway = gw
	r.lastErr = nil
	r.metrics.scriptLoad(ctx, r.provider, true)
	return gw, nil
}
