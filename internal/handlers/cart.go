package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/catalog"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/money"
)

type cartRegistry interface {
	Get(sessionID string) *cart.Store
}

type checkoutState interface {
	InFlight(cartID string) bool
}

// CartHandlers exposes the shopper's in-memory cart.
type CartHandlers struct {
	carts    cartRegistry
	catalog  productCatalog
	money    *money.Formatter
	checkout checkoutState
}

// NewCartHandlers constructs cart handlers. checkouts may be nil.
func NewCartHandlers(carts cartRegistry, products productCatalog, formatter *money.Formatter, checkouts checkoutState) *CartHandlers {
	return &CartHandlers{
		carts:    carts,
		catalog:  products,
		money:    formatter,
		checkout: checkouts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{itemId}", h.updateItem)
	r.Delete("/items/{itemId}", h.removeItem)
}

type cartItemPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Image     string          `json:"image,omitempty"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type cartPayload struct {
	Items             []cartItemPayload `json:"items"`
	TotalItems        int               `json:"totalItems"`
	TotalPrice        decimal.Decimal   `json:"totalPrice"`
	TotalPriceDisplay string            `json:"totalPriceDisplay,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	CheckoutInFlight  bool              `json:"checkoutInFlight"`
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *CartHandlers) store(w http.ResponseWriter, r *http.Request) (string, *cart.Store, bool) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return "", nil, false
	}
	id, ok := shopperID(ctx, w)
	if !ok {
		return "", nil, false
	}
	return id, h.carts.Get(id), true
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	id, store, ok := h.store(w, r)
	if !ok {
		return
	}
	h.writeCart(w, id, store)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	id, store, ok := h.store(w, r)
	if !ok {
		return
	}
	store.Clear()
	h.writeCart(w, id, store)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, store, ok := h.store(w, r)
	if !ok {
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req addItemRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	product, err := h.catalog.Get(productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to load product", http.StatusInternalServerError))
		return
	}
	if !product.InStock {
		httpx.WriteError(ctx, w, httpx.NewError("product_out_of_stock", "product is out of stock", http.StatusConflict))
		return
	}

	if err := store.AddItem(product.CartProduct(), qty); err != nil {
		switch {
		case errors.Is(err, cart.ErrInvalidQuantity):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_quantity", "quantity must be positive", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}
	h.writeCart(w, id, store)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, store, ok := h.store(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	if *req.Quantity < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_quantity", "quantity must not be negative", http.StatusBadRequest))
		return
	}
	if !store.UpdateQuantity(chi.URLParam(r, "itemId"), *req.Quantity) {
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
		return
	}
	h.writeCart(w, id, store)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	id, store, ok := h.store(w, r)
	if !ok {
		return
	}
	store.RemoveItem(chi.URLParam(r, "itemId"))
	h.writeCart(w, id, store)
}

func (h *CartHandlers) writeCart(w http.ResponseWriter, cartID string, store *cart.Store) {
	items := store.Items()
	payload := cartPayload{
		Items:      make([]cartItemPayload, 0, len(items)),
		TotalItems: store.TotalItems(),
		TotalPrice: store.TotalPrice(),
	}
	for _, item := range items {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:        item.ID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Image:     item.ImageRef,
			Subtotal:  item.Subtotal(),
		})
	}
	if h.money != nil {
		payload.TotalPriceDisplay = h.money.FormatConverted(payload.TotalPrice)
		payload.Currency = h.money.Currency()
	}
	if h.checkout != nil {
		payload.CheckoutInFlight = h.checkout.InFlight(cartID)
	}
	noStore(w)
	httpx.WriteJSON(w, http.StatusOK, payload)
}
