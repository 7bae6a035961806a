package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/payments"
)

func validForm() ShippingForm {
	return ShippingForm{
		Email:     "asha@example.com",
		FirstName: "Asha",
		LastName:  "Rao",
		Phone:     "9999999999",
		Address:   "12 MG Road",
		City:      "Bengaluru",
	}
}

func cartWith(t *testing.T, price string, qty int) *cart.Store {
	t.Helper()
	store := cart.NewStore()
	require.NoError(t, store.AddItem(cart.Product{ID: "p1", Name: "Widget", Price: decimal.RequireFromString(price)}, qty))
	return store
}

type harness struct {
	svc     *Service
	manager *payments.Manager
	gateway *payments.FakeGateway
}

func newHarness(t *testing.T, loader payments.Loader) *harness {
	t.Helper()
	gw := &payments.FakeGateway{}
	if loader == nil {
		loader = payments.StaticLoader(gw)
	}
	mgr, err := payments.NewManager(map[string]*payments.Resource{
		payments.FakeProvider: payments.NewResource(payments.FakeProvider, loader),
	})
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Payments:         mgr,
		TaxRate:          decimal.RequireFromString("0.1"),
		ConversionRate:   decimal.NewFromInt(83),
		Currency:         "inr",
		DefaultCountry:   "India",
		StoreName:        "Your Store Name",
		StoreDescription: "Purchase from Your Store",
		Clock:            func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return &harness{svc: svc, manager: mgr, gateway: gw}
}

func TestNewServiceValidatesDeps(t *testing.T) {
	_, err := NewService(Deps{})
	require.Error(t, err)

	mgr, err := payments.NewManager(map[string]*payments.Resource{
		"fake": payments.NewResource("fake", payments.StaticLoader(&payments.FakeGateway{})),
	})
	require.NoError(t, err)
	_, err = NewService(Deps{Payments: mgr, ConversionRate: decimal.Zero, Currency: "INR"})
	require.Error(t, err)
	_, err = NewService(Deps{Payments: mgr, ConversionRate: decimal.NewFromInt(1)})
	require.Error(t, err)
}

func TestComputeTotalsExample(t *testing.T) {
	totals := ComputeTotals(cartWith(t, "100", 2), decimal.RequireFromString("0.1"), decimal.NewFromInt(83))
	assert.True(t, totals.Subtotal.Equal(decimal.NewFromInt(16600)), totals.Subtotal.String())
	assert.True(t, totals.Tax.Equal(decimal.NewFromInt(1660)), totals.Tax.String())
	assert.True(t, totals.Total.Equal(decimal.NewFromInt(18260)), totals.Total.String())
	assert.EqualValues(t, 1826000, payments.MinorUnits(totals.Total))
}

func TestComputeTotalsIsLinear(t *testing.T) {
	rate := decimal.NewFromInt(83)
	tax := decimal.RequireFromString("0.1")
	a := cartWith(t, "12.34", 3)
	b := cartWith(t, "56.78", 2)
	both := cart.NewStore()
	require.NoError(t, both.AddItem(cart.Product{ID: "a", Price: decimal.RequireFromString("12.34")}, 3))
	require.NoError(t, both.AddItem(cart.Product{ID: "b", Price: decimal.RequireFromString("56.78")}, 2))

	ta := ComputeTotals(a, tax, rate)
	tb := ComputeTotals(b, tax, rate)
	tab := ComputeTotals(both, tax, rate)
	assert.True(t, tab.Total.Equal(ta.Total.Add(tb.Total)))
	assert.True(t, tab.Tax.Equal(ta.Tax.Add(tb.Tax)))

	empty := ComputeTotals(cart.NewStore(), tax, rate)
	assert.True(t, empty.Total.IsZero())
}

func TestSubmitRejectsEmptyCart(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Submit(context.Background(), SubmitRequest{CartID: "c1", Form: validForm()}, cart.NewStore())
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.EqualValues(t, 0, h.gateway.Opened())
}

func TestSubmitWithMissingPhoneNeverOpensGateway(t *testing.T) {
	var loads int
	h := newHarness(t, payments.LoaderFunc(func(context.Context) (payments.Gateway, error) {
		loads++
		return &payments.FakeGateway{}, nil
	}))
	form := validForm()
	form.Phone = "   "

	_, err := h.svc.Submit(context.Background(), SubmitRequest{CartID: "c1", Form: form}, cartWith(t, "100", 1))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, []string{"phone"}, vErr.Fields)
	assert.ErrorIs(t, err, ErrInvalidForm)
	assert.Zero(t, loads)
	assert.False(t, h.svc.InFlight("c1"))
}

func TestSubmitOpensSessionWithPrefill(t *testing.T) {
	h := newHarness(t, nil)
	store := cartWith(t, "100", 2)

	attempt, err := h.svc.Submit(context.Background(), SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)

	assert.EqualValues(t, 1826000, attempt.Amount)
	assert.Equal(t, "INR", attempt.Currency)
	assert.Equal(t, payments.StatusAwaitingUser, attempt.Status())
	assert.True(t, h.svc.InFlight("c1"))

	found, err := h.svc.Lookup(attempt.SessionID)
	require.NoError(t, err)
	assert.Same(t, attempt, found)

	_, err = h.svc.Submit(context.Background(), SubmitRequest{CartID: "c1", Form: validForm()}, store)
	assert.ErrorIs(t, err, ErrAttemptInFlight)
	assert.EqualValues(t, 1, h.gateway.Opened())
}

func TestSuccessClearsCartOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	store := cartWith(t, "100", 2)

	attempt, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)

	applied, err := h.manager.Succeed(ctx, attempt.SessionID, "pay_123", "")
	require.NoError(t, err)
	require.True(t, applied)

	result, err := attempt.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusSucceeded, result.Status)
	assert.Equal(t, "pay_123", result.PaymentID)
	assert.True(t, result.CartCleared)
	assert.True(t, store.IsEmpty())
	assert.False(t, h.svc.InFlight("c1"))

	require.NoError(t, store.AddItem(cart.Product{ID: "p2", Price: decimal.NewFromInt(5)}, 1))
	applied, err = h.manager.Succeed(ctx, attempt.SessionID, "pay_123", "")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, store.TotalItems(), "second success must not clear the cart again")
}

func TestFailureKeepsCartAndReportsReason(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	store := cartWith(t, "100", 2)

	attempt, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)
	_, err = h.manager.Fail(ctx, attempt.SessionID, "BAD_REQUEST_ERROR", "Card declined by bank")
	require.NoError(t, err)

	result, ok := attempt.Result()
	require.True(t, ok)
	assert.Equal(t, payments.StatusFailed, result.Status)
	assert.Equal(t, "Card declined by bank", result.Message)
	assert.Equal(t, 2, store.TotalItems())
	assert.False(t, h.svc.InFlight("c1"))

	retry, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)
	assert.NotEqual(t, attempt.SessionID, retry.SessionID)
	_, err = h.manager.Fail(ctx, retry.SessionID, "", "")
	require.NoError(t, err)
	result, _ = retry.Result()
	assert.Equal(t, payments.DefaultFailureReason, result.Message)
}

func TestDismissLeavesCartUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	store := cartWith(t, "100", 2)
	before := store.TotalPrice()

	attempt, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)
	_, err = h.manager.Dismiss(ctx, attempt.SessionID)
	require.NoError(t, err)

	result, ok := attempt.Result()
	require.True(t, ok)
	assert.Equal(t, payments.StatusCancelled, result.Status)
	assert.False(t, result.CartCleared)
	assert.True(t, store.TotalPrice().Equal(before))
	assert.False(t, h.svc.InFlight("c1"))
}

func TestScriptLoadFailureReleasesCartAndRetries(t *testing.T) {
	calls := 0
	h := newHarness(t, payments.LoaderFunc(func(context.Context) (payments.Gateway, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("script blocked")
		}
		return &payments.FakeGateway{}, nil
	}))
	ctx := context.Background()
	store := cartWith(t, "100", 1)

	_, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	var loadErr *payments.ScriptLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.False(t, h.svc.InFlight("c1"))
	assert.Equal(t, 1, store.TotalItems())

	_, err = h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, store)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestQuoteReportsMissingFields(t *testing.T) {
	h := newHarness(t, nil)
	quote := h.svc.Quote(cartWith(t, "100", 2), ShippingForm{Email: "<b>a@example.com</b>"})

	assert.False(t, quote.Submittable)
	assert.Equal(t, []string{"firstName", "lastName", "phone", "address", "city"}, quote.MissingFields)
	assert.EqualValues(t, 1826000, quote.AmountMinor)
	assert.Equal(t, "INR", quote.Currency)
}

func TestSanitizeStripsMarkupAndDefaultsCountry(t *testing.T) {
	form := ShippingForm{FirstName: "  <script>alert(1)</script>Asha ", LastName: "O'Brien"}.Sanitize("India")
	assert.Equal(t, "Asha", form.FirstName)
	assert.Equal(t, "O'Brien", form.LastName)
	assert.Equal(t, "India", form.Country)

	encoded := ShippingForm{
		FirstName: "&lt;b&gt;Asha&lt;/b&gt;",
		LastName:  "&amp;lt;img src=x onerror=alert(1)&amp;gt;Rao",
		Address:   "Tom &amp; Jerry Lane",
	}.Sanitize("India")
	assert.Equal(t, "Asha", encoded.FirstName)
	assert.NotContains(t, encoded.LastName, "<")
	assert.NotContains(t, encoded.LastName, ">")
	assert.Equal(t, "Tom & Jerry Lane", encoded.Address)

	kept := ShippingForm{Country: "Nepal"}.Sanitize("India")
	assert.Equal(t, "Nepal", kept.Country)

	prefill := validForm().Prefill()
	assert.Equal(t, payments.Prefill{Name: "Asha Rao", Email: "asha@example.com", Contact: "9999999999"}, prefill)
}

func TestPruneFinished(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	attempt, err := h.svc.Submit(ctx, SubmitRequest{CartID: "c1", Form: validForm()}, cartWith(t, "1", 1))
	require.NoError(t, err)

	assert.Equal(t, 0, h.svc.PruneFinished(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
	_, err = h.manager.Dismiss(ctx, attempt.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.PruneFinished(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = h.svc.Lookup(attempt.SessionID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}
