package checkout

import (
	"context"
	"sync"
	"time"

	"finitefield.org/storefront/internal/payments"
)

// Result is the single outcome of a checkout attempt as shown to the shopper.
type Result struct {
	Status      payments.Status `json:"status"`
	PaymentID   string          `json:"paymentId,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message"`
	CartCleared bool            `json:"cartCleared"`
	ResolvedAt  time.Time       `json:"resolvedAt"`
}

// Attempt is one submitted checkout. Exported fields are fixed once Submit returns.
type Attempt struct {
	SessionID string
	CartID    string
	OrderRef  string
	Provider  string
	Amount    int64
	Currency  string
	Totals    Totals
	Checkout  payments.Checkout
	CreatedAt time.Time

	mu      sync.Mutex
	session *payments.Session
	result  *Result
	done    chan struct{}
}

// Status returns the payment session status, or the terminal status once resolved.
func (a *Attempt) Status() payments.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != nil {
		return a.result.Status
	}
	if a.session != nil {
		return a.session.Status()
	}
	return payments.StatusCreated
}

// Result returns the outcome once the attempt has resolved.
func (a *Attempt) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// Done is closed when the attempt resolves.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt resolves or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		result, _ := a.Result()
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// finish stores the result and returns the session id known at that point.
func (a *Attempt) finish(result Result) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result != nil {
		return a.SessionID
	}
	a.result = &result
	close(a.done)
	return a.SessionID
}
