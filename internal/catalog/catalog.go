package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownProduct is returned for a SKU that is not in the catalog.
var ErrUnknownProduct = errors.New("unknown product")

// Product is an immutable catalog entry.
type Product struct {
	SKU                string `json:"sku"`
	Name               string `json:"name"`
	PriceCents         int64  `json:"price_cents"`
	GenerationsGranted int    `json:"generations"`
	DiscountPercent    int    `json:"discount_percent,omitempty"`
}

// ChargeCents returns the price after the discount, rounded down to a cent.
func (p Product) ChargeCents() int64 {
	if p.DiscountPercent <= 0 {
		return p.PriceCents
	}
	if p.DiscountPercent >= 100 {
		return 0
	}
	return p.PriceCents * int64(100-p.DiscountPercent) / 100
}

// DefaultProducts is the catalog used when none is configured.
var DefaultProducts = []Product{
	{SKU: "downgrade_pack_3", Name: "3 downgrades", PriceCents: 799, GenerationsGranted: 3},
	{SKU: "downgrade_pack_10", Name: "10 downgrades", PriceCents: 1999, GenerationsGranted: 10},
}

// Catalog is the read-only product list.
type Catalog struct {
	products []Product
	bySKU    map[string]Product
}

// New validates products and builds a Catalog. Products are listed by price.
func New(products []Product) (*Catalog, error) {
	c := &Catalog{bySKU: make(map[string]Product, len(products))}
	for _, p := range products {
		if p.SKU == "" {
			return nil, fmt.Errorf("product with empty sku")
		}
		if _, dup := c.bySKU[p.SKU]; dup {
			return nil, fmt.Errorf("duplicate sku %q", p.SKU)
		}
		if p.GenerationsGranted <= 0 {
			return nil, fmt.Errorf("product %q: generations must be > 0", p.SKU)
		}
		if p.PriceCents < 0 {
			return nil, fmt.Errorf("product %q: price must be >= 0", p.SKU)
		}
		if p.DiscountPercent < 0 || p.DiscountPercent > 100 {
			return nil, fmt.Errorf("product %q: discount must be between 0 and 100", p.SKU)
		}
		c.bySKU[p.SKU] = p
		c.products = append(c.products, p)
	}
	sort.SliceStable(c.products, func(i, j int) bool {
		return c.products[i].PriceCents < c.products[j].PriceCents
	})
	return c, nil
}

// ParseProducts decodes a JSON array of products.
func ParseProducts(raw string) ([]Product, error) {
	var products []Product
	if err := json.Unmarshal([]byte(raw), &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return products, nil
}

// Products returns a copy of the catalog.
func (c *Catalog) Products() []Product {
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

// Lookup returns the product for sku.
func (c *Catalog) Lookup(sku string) (Product, error) {
	p, ok := c.bySKU[sku]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, sku)
	}
	return p, nil
}
