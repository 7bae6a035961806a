package payments

import (
	"context"
	"sync"
	"time"
)

// Prefill carries customer details the gateway shows pre-populated.
type Prefill struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

// SessionRequest describes one payment attempt handed to a gateway.
type SessionRequest struct {
	SessionID   string
	OrderRef    string
	Amount      int64
	Currency    string
	Name        string
	Description string
	Prefill     Prefill
	Metadata    map[string]string
}

// ResolveFunc is invoked exactly once when a session reaches a terminal state.
type ResolveFunc func(session *Session, outcome Outcome)

// Session is one checkout attempt's gateway-side transaction context. It resolves
// at most once; later resolutions are ignored.
type Session struct {
	ID          string
	OrderRef    string
	Provider    string
	ProviderRef string
	Amount      int64
	Currency    string
	CreatedAt   time.Time

	mu         sync.Mutex
	status     Status
	outcome    Outcome
	resolvedAt time.Time
	done       chan struct{}
	onResolve  ResolveFunc
}

func newSession(req SessionRequest, provider string, createdAt time.Time, onResolve ResolveFunc) *Session {
	return &Session{
		ID:        req.SessionID,
		OrderRef:  req.OrderRef,
		Provider:  provider,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: createdAt,
		status:    StatusCreated,
		done:      make(chan struct{}),
		onResolve: onResolve,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Outcome returns the terminal outcome once the session has resolved.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.outcome != nil
}

// ResolvedAt returns when the session resolved, or the zero time.
func (s *Session) ResolvedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedAt
}

// Done is closed when the session resolves.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session resolves or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		outcome, _ := s.Outcome()
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) markAwaiting(providerRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCreated {
		s.status = StatusAwaitingUser
		s.ProviderRef = providerRef
	}
}

// resolve records the outcome if the session is still open and reports whether
// this call was the one that resolved it. The resolve handler runs outside the lock.
func (s *Session) resolve(outcome Outcome, now time.Time) bool {
	if outcome == nil {
		return false
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.status = outcome.Status()
	s.outcome = outcome
	s.resolvedAt = now
	handler := s.onResolve
	s.onResolve = nil
	close(s.done)
	s.mu.Unlock()

	if handler != nil {
		handler(s, outcome)
	}
	return true
}
