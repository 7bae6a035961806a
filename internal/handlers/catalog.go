package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finitefield.org/storefront/internal/catalog"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/money"
)

type productCatalog interface {
	List(category string) []catalog.Product
	Get(id string) (catalog.Product, error)
	Categories() []string
}

// CatalogHandlers serves the read-only product catalog.
type CatalogHandlers struct {
	catalog productCatalog
	money   *money.Formatter
}

// NewCatalogHandlers constructs catalog handlers. A nil formatter omits display prices.
func NewCatalogHandlers(c productCatalog, formatter *money.Formatter) *CatalogHandlers {
	return &CatalogHandlers{catalog: c, money: formatter}
}

// Routes wires the /products endpoints onto the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productId}", h.getProduct)
}

type productPayload struct {
	catalog.Product
	DisplayPrice string `json:"displayPrice,omitempty"`
}

type productListResponse struct {
	Products   []productPayload `json:"products"`
	Categories []string         `json:"categories"`
}

func (h *CatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog is unavailable", http.StatusServiceUnavailable))
		return
	}
	products := h.catalog.List(r.URL.Query().Get("category"))
	payload := productListResponse{
		Products:   make([]productPayload, 0, len(products)),
		Categories: h.catalog.Categories(),
	}
	for _, p := range products {
		payload.Products = append(payload.Products, h.productPayload(p))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog is unavailable", http.StatusServiceUnavailable))
		return
	}
	product, err := h.catalog.Get(chi.URLParam(r, "productId"))
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to load product", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.productPayload(product))
}

func (h *CatalogHandlers) productPayload(p catalog.Product) productPayload {
	payload := productPayload{Product: p}
	if h.money != nil {
		payload.DisplayPrice = h.money.FormatConverted(p.Price)
	}
	return payload
}
