package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/catalog"
	"finitefield.org/storefront/internal/checkout"
	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/idempotency"
	"finitefield.org/storefront/internal/platform/money"
	"finitefield.org/storefront/internal/platform/requestctx"
)

const (
	testShopper   = "shp_test"
	shopperHeader = "X-Test-Shopper"
)

const testCatalogYAML = `
products:
  - id: "p1"
    name: Desk Lamp
    price: "100"
    category: Home
    inStock: true
  - id: "p2"
    name: Notebook
    price: "2.50"
    category: Office
    inStock: true
  - id: "p3"
    name: Vintage Radio
    price: "80"
    category: Electronics
    inStock: false
`

type testEnv struct {
	router   chi.Router
	carts    *cart.Registry
	checkout *checkout.Service
	manager  *payments.Manager
	gateway  *payments.FakeGateway
}

// fakeShopper binds the shopper id from a header, defaulting to testShopper.
func fakeShopper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(shopperHeader)
		if id == "" {
			id = testShopper
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithShopper(r.Context(), id)))
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	products, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	formatter, err := money.NewFormatter("en", "INR", decimal.NewFromInt(83))
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	gw := &payments.FakeGateway{}
	mgr, err := payments.NewManager(map[string]*payments.Resource{
		payments.FakeProvider: payments.NewResource(payments.FakeProvider, payments.StaticLoader(gw)),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	svc, err := checkout.NewService(checkout.Deps{
		Payments:         mgr,
		TaxRate:          decimal.RequireFromString("0.1"),
		ConversionRate:   decimal.NewFromInt(83),
		Currency:         "INR",
		DefaultCountry:   "India",
		StoreName:        "Your Store Name",
		StoreDescription: "Purchase from Your Store",
		Clock:            func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	carts := cart.NewRegistry()

	router := NewRouter(
		WithProductRoutes(NewCatalogHandlers(products, formatter).Routes),
		WithCartRoutes(NewCartHandlers(carts, products, formatter, svc).Routes),
		WithCheckoutRoutes(NewCheckoutHandlers(svc, mgr, carts,
			WithCheckoutFormatter(formatter),
			WithSubmitMiddlewares(idempotency.Middleware(idempotency.NewMemoryStore(time.Hour))),
		).Routes),
		WithShopperMiddlewares(fakeShopper),
	)
	return &testEnv{router: router, carts: carts, checkout: svc, manager: mgr, gateway: gw}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, e.router, method, path, body, headers...)
}

func serve(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	expectStatus(t, rr, status)
	body := decode[map[string]any](t, rr)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
	return body
}

func validForm() checkout.ShippingForm {
	return checkout.ShippingForm{
		Email:     "asha@example.com",
		FirstName: "Asha",
		LastName:  "Rao",
		Phone:     "9999999999",
		Address:   "12 MG Road",
		City:      "Bengaluru",
	}
}
