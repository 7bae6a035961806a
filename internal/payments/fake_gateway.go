package payments

import (
	"context"
	"errors"
	"sync/atomic"
)

// FakeProvider is the registration key of the in-process gateway.
const FakeProvider = "fake"

// FakeGateway opens sessions without any external service. It is meant for
// local development; the browser resolves sessions through the callback endpoints.
type FakeGateway struct {
	// Err, when set, is returned from every Open call.
	Err error

	opened atomic.Int64
}

// Name implements Gateway.
func (g *FakeGateway) Name() string { return FakeProvider }

// Open implements Gateway.
func (g *FakeGateway) Open(_ context.Context, req SessionRequest) (Checkout, error) {
	if g.Err != nil {
		return Checkout{}, g.Err
	}
	if req.Amount <= 0 {
		return Checkout{}, errors.New("fake: amount must be positive")
	}
	g.opened.Add(1)
	return Checkout{ProviderRef: "fake_" + req.SessionID}, nil
}

// Opened reports how many sessions the gateway has opened.
func (g *FakeGateway) Opened() int64 {
	return g.opened.Load()
}
