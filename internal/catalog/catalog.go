// Package catalog serves the read-only product list the storefront sells from.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"finitefield.org/storefront/internal/cart"
)

//go:embed products.yaml
var seedYAML []byte

// ErrProductNotFound is returned when no product matches the requested id.
var ErrProductNotFound = errors.New("catalog: product not found")

// Product is a sellable catalog entry.
type Product struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Price         decimal.Decimal `json:"price" yaml:"-"`
	OriginalPrice decimal.Decimal `json:"originalPrice,omitempty" yaml:"-"`
	Image         string          `json:"image" yaml:"image"`
	Rating        float64         `json:"rating" yaml:"rating"`
	Reviews       int             `json:"reviews" yaml:"reviews"`
	Category      string          `json:"category" yaml:"category"`
	InStock       bool            `json:"inStock" yaml:"inStock"`
	Description   string          `json:"description" yaml:"description"`
}

// CartProduct projects the fields the cart store keeps on a line item.
func (p Product) CartProduct() cart.Product {
	return cart.Product{
		ID:    p.ID,
		Name:  p.Name,
		Price: p.Price,
		Image: p.Image,
	}
}

type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	Product       `yaml:",inline"`
	RawPrice      string `yaml:"price"`
	RawOriginally string `yaml:"originalPrice"`
}

// Catalog is an immutable, in-memory product list.
type Catalog struct {
	products []Product
	byID     map[string]int
}

// Default returns the catalog built from the embedded seed file.
func Default() (*Catalog, error) {
	return Parse(seedYAML)
}

// Parse builds a catalog from YAML in the seed file layout.
func Parse(data []byte) (*Catalog, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: decode seed: %w", err)
	}

	c := &Catalog{
		products: make([]Product, 0, len(file.Products)),
		byID:     make(map[string]int, len(file.Products)),
	}
	for _, raw := range file.Products {
		p := raw.Product
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, errors.New("catalog: product id is required")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product id %q", p.ID)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw.RawPrice))
		if err != nil {
			return nil, fmt.Errorf("catalog: product %s price: %w", p.ID, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("catalog: product %s has negative price", p.ID)
		}
		p.Price = price
		if orig := strings.TrimSpace(raw.RawOriginally); orig != "" {
			if p.OriginalPrice, err = decimal.NewFromString(orig); err != nil {
				return nil, fmt.Errorf("catalog: product %s original price: %w", p.ID, err)
			}
		}
		c.byID[p.ID] = len(c.products)
		c.products = append(c.products, p)
	}
	return c, nil
}

// List returns products, optionally restricted to a category (case-insensitive).
// "All" and the empty string match every product.
func (c *Catalog) List(category string) []Product {
	category = strings.TrimSpace(category)
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		if category == "" || strings.EqualFold(category, "all") || strings.EqualFold(p.Category, category) {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the product with the given id.
func (c *Catalog) Get(id string) (Product, error) {
	pos, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return c.products[pos], nil
}

// Categories returns the distinct categories in sorted order.
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	for _, p := range c.products {
		seen[p.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
