package payments

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Status enumerates the lifecycle states of a payment session.
type Status string

const (
	// StatusCreated indicates the session exists but the gateway has not been opened yet.
	StatusCreated Status = "created"
	// StatusAwaitingUser indicates the gateway is open and waiting for the shopper.
	StatusAwaitingUser Status = "awaiting_user"
	// StatusSucceeded indicates the gateway reported a completed payment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reported a failed payment.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the shopper dismissed the gateway without paying.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultFailureReason is reported when the gateway fails without a description.
const DefaultFailureReason = "Payment failed. Please try again."

// Outcome is the closed set of results a payment session can resolve to:
// Succeeded, Failed or Cancelled.
type Outcome interface {
	Status() Status
	isOutcome()
}

// Succeeded carries the gateway payment identifier of a completed payment.
type Succeeded struct {
	PaymentID string
}

// Status implements Outcome.
func (Succeeded) Status() Status { return StatusSucceeded }
func (Succeeded) isOutcome()     {}

// Failed carries the gateway's failure description.
type Failed struct {
	Code   string
	Reason string
}

// Status implements Outcome.
func (Failed) Status() Status { return StatusFailed }
func (Failed) isOutcome()     {}

// Message returns the reason verbatim when present, otherwise the generic fallback.
func (f Failed) Message() string {
	if reason := strings.TrimSpace(f.Reason); reason != "" {
		return reason
	}
	return DefaultFailureReason
}

// Cancelled indicates the shopper dismissed the gateway.
type Cancelled struct{}

// Status implements Outcome.
func (Cancelled) Status() Status { return StatusCancelled }
func (Cancelled) isOutcome()     {}

// MinorUnits converts an already currency-converted amount into the gateway's
// smallest denomination, rounding half away from zero.
func MinorUnits(total decimal.Decimal) int64 {
	return total.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
