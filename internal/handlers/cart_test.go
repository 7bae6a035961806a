package handlers

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCartLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/v1/cart", nil)
	expectStatus(t, rr, http.StatusOK)
	empty := decode[cartPayload](t, rr)
	if len(empty.Items) != 0 || empty.TotalItems != 0 || !empty.TotalPrice.IsZero() {
		t.Fatalf("expected empty cart, got %+v", empty)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p1", "quantity": 2})
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p2"})
	expectStatus(t, rr, http.StatusOK)
	rr = env.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p1", "quantity": 1})
	expectStatus(t, rr, http.StatusOK)

	got := decode[cartPayload](t, rr)
	if len(got.Items) != 2 || got.Items[0].ID != "p1" || got.Items[0].Quantity != 3 {
		t.Fatalf("expected merged line items, got %+v", got.Items)
	}
	if got.TotalItems != 4 || !got.TotalPrice.Equal(decimal.RequireFromString("302.5")) {
		t.Fatalf("unexpected totals %d / %s", got.TotalItems, got.TotalPrice)
	}
	if got.TotalPriceDisplay != "INR 25,107.50" || got.Currency != "INR" {
		t.Fatalf("unexpected display %q %q", got.TotalPriceDisplay, got.Currency)
	}

	rr = env.do(t, http.MethodPatch, "/api/v1/cart/items/p2", map[string]any{"quantity": 0})
	expectStatus(t, rr, http.StatusOK)
	got = decode[cartPayload](t, rr)
	if len(got.Items) != 1 || got.TotalItems != 3 {
		t.Fatalf("expected zero quantity to remove item, got %+v", got)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/cart/items/p1", nil)
	expectStatus(t, rr, http.StatusOK)
	got = decode[cartPayload](t, rr)
	if len(got.Items) != 0 || !got.TotalPrice.IsZero() {
		t.Fatalf("expected empty cart after removal, got %+v", got)
	}
}

func TestCartIsScopedToShopper(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p1"})
	rr := env.do(t, http.MethodGet, "/api/v1/cart", nil, shopperHeader, "shp_other")
	expectStatus(t, rr, http.StatusOK)
	if other := decode[cartPayload](t, rr); other.TotalItems != 0 {
		t.Fatalf("expected separate cart for other shopper, got %+v", other)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/cart", nil)
	expectStatus(t, rr, http.StatusOK)
	if cleared := decode[cartPayload](t, rr); cleared.TotalItems != 0 {
		t.Fatalf("expected cleared cart, got %+v", cleared)
	}
}

func TestCartRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown product", http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "nope"}, http.StatusNotFound, "product_not_found"},
		{"out of stock", http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p3"}, http.StatusConflict, "product_out_of_stock"},
		{"zero quantity", http.MethodPost, "/api/v1/cart/items", map[string]any{"productId": "p1", "quantity": 0}, http.StatusBadRequest, "invalid_quantity"},
		{"missing product id", http.MethodPost, "/api/v1/cart/items", map[string]any{"quantity": 1}, http.StatusBadRequest, "invalid_request"},
		{"invalid json", http.MethodPost, "/api/v1/cart/items", "{", http.StatusBadRequest, "invalid_request"},
		{"empty body", http.MethodPost, "/api/v1/cart/items", nil, http.StatusBadRequest, "invalid_request"},
		{"unknown item", http.MethodPatch, "/api/v1/cart/items/p9", map[string]any{"quantity": 2}, http.StatusNotFound, "cart_item_not_found"},
		{"negative quantity", http.MethodPatch, "/api/v1/cart/items/p1", map[string]any{"quantity": -1}, http.StatusBadRequest, "invalid_quantity"},
		{"missing quantity", http.MethodPatch, "/api/v1/cart/items/p1", map[string]any{}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.path, tc.body)
			expectErrorCode(t, rr, tc.status, tc.code)
		})
	}
}

func TestCartRequiresShopperSession(t *testing.T) {
	handlers := NewCartHandlers(nil, nil, nil, nil)
	router := NewRouter(WithCartRoutes(handlers.Routes))
	rr := serve(t, router, http.MethodGet, "/api/v1/cart", nil)
	expectErrorCode(t, rr, http.StatusServiceUnavailable, "cart_service_unavailable")

	env := newTestEnv(t)
	bare := NewRouter(WithCartRoutes(NewCartHandlers(env.carts, nil, nil, nil).Routes))
	rr = serve(t, bare, http.MethodGet, "/api/v1/cart", nil)
	expectErrorCode(t, rr, http.StatusUnauthorized, "session_required")
}
