package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Fingerprint derives the cache key from title, product type and price only.
// Products that agree on those three fields share an entry even when
// description, materials or certifications differ.
func (fv FeatureVector) Fingerprint() string {
	title := strings.Join(strings.Fields(strings.ToLower(fv.Title)), " ")
	p := fv.Price
	if math.IsNaN(p) || math.IsInf(p, 0) {
		p = 0
	}
	price := decimal.NewFromFloat(p).StringFixed(2)
	return fmt.Sprintf("%s:%s:%s", title, fv.ProductType, price)
}
