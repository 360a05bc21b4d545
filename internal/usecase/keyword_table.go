package usecase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/greenscore/backend/internal/domain"
)

// ProductTypeRule maps a product type to the keywords that identify it
type ProductTypeRule struct {
	Type     domain.ProductType `yaml:"type"`
	Keywords []string           `yaml:"keywords"`
}

// DefaultProductTypeTable is scanned in order; the first rule with any
// matching keyword wins, so more specific categories must come first.
// Keywords are substrings of the normalised text; one written with surrounding
// spaces (" oven ") only matches a whole word, so "woven" is not an oven.
var DefaultProductTypeTable = []ProductTypeRule{
	{Type: domain.ProductTypeElectronics, Keywords: []string{
		"laptop", "computer", "smartphone", "phone", "tablet", "headphone", "earbuds", "camera",
		"monitor", "television", "speaker", "charger", "keyboard", "electronic",
	}},
	{Type: domain.ProductTypeAppliances, Keywords: []string{
		"refrigerator", "fridge", "washing machine", "dryer", "dishwasher", "microwave", " oven ",
		" ovens ", "vacuum", "kettle", "blender", "air conditioner", "heater", "appliance",
	}},
	{Type: domain.ProductTypeClothing, Keywords: []string{
		"shirt", "dress", "jeans", "jacket", "sweater", "hoodie", "shoes", "sneakers", "socks",
		"trousers", "apparel", "clothing",
	}},
	{Type: domain.ProductTypeFurniture, Keywords: []string{
		"chair", " table ", " tables ", "desk", "sofa", "couch", "mattress", "bookshelf", " shelf ",
		" shelves ", "cabinet", "dresser", "furniture",
	}},
	{Type: domain.ProductTypeBeauty, Keywords: []string{
		"shampoo", "conditioner", "soap", "lotion", "moisturizer", "makeup", "cosmetic",
		"skincare", "toothpaste", "deodorant",
	}},
	{Type: domain.ProductTypeFood, Keywords: []string{
		"coffee", " tea ", " teas ", "teabag", "snack", "chocolate", "cereal", "granola", "grocery", "food",
	}},
	{Type: domain.ProductTypeToys, Keywords: []string{
		" toy ", " toys ", "lego", "puzzle", " doll ", " dolls ", "board game", "plush",
	}},
}

type productTypeTableFile struct {
	ProductTypes []ProductTypeRule `yaml:"product_types"`
}

// LoadProductTypeTable reads an ordered product type table from a YAML file:
//
//	product_types:
//	  - type: electronics
//	    keywords: [laptop, phone]
func LoadProductTypeTable(path string) ([]ProductTypeRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword table: %w", err)
	}

	var file productTypeTableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse keyword table: %w", err)
	}
	if len(file.ProductTypes) == 0 {
		return nil, fmt.Errorf("keyword table %s has no product_types", path)
	}

	known := make(map[domain.ProductType]bool, len(domain.ProductTypes))
	for _, t := range domain.ProductTypes {
		known[t] = true
	}
	for i, rule := range file.ProductTypes {
		if !known[rule.Type] || rule.Type == domain.ProductTypeOther {
			return nil, fmt.Errorf("keyword table entry %d: unknown product type %q", i, rule.Type)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("keyword table entry %d (%s): no keywords", i, rule.Type)
		}
	}

	return file.ProductTypes, nil
}
