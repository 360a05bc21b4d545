package usecase

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/greenscore/backend/internal/domain"
)

// Extraction limits
const (
	triggerWindowChars = 40 // text inspected after a trigger phrase
	maxTokensPerMatch  = 3  // candidate tokens taken from one window
)

// materialTriggers precede material names
var materialTriggers = []string{
	"made from", "made of", "made with", "crafted from", "constructed from", "composed of",
	"material:", "materials:",
}

// certificationTriggers precede certification or certifier names
var certificationTriggers = []string{
	"certified by", "certified as", "certified to", "certification:", "certifications:",
}

// knownCertifications are recognised anywhere in the text
var knownCertifications = []string{
	"energy star", "fsc", "fair trade", "fairtrade", "gots", "usda organic",
	"cradle to cradle", "b corp", "epeat", "rainforest alliance", "oeko-tex",
}

// extractionNoise are window tokens that never name a material or certification
var extractionNoise = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "with": true,
	"by": true, "for": true, "from": true, "in": true, "to": true, "is": true, "as": true,
	"made": true, "high": true, "quality": true, "premium": true, "material": true,
	"materials": true, "certified": true, "percent": true,
}

var (
	weightPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(kilograms?|kgs?|grams?|g|pounds?|lbs?|ounces?|oz)\b`)
	energyPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(kilowatts?|kw|watts?|w)\b`)
	tokenSplit    = regexp.MustCompile(`[^a-z0-9\-]+`)

	// cellular labels such as "5g" read like gram weights; "5 g" is still grams
	networkGeneration = regexp.MustCompile(`^[2-6]g$`)
)

var weightUnitToKg = map[string]float64{
	"kg": 1, "kgs": 1, "kilogram": 1, "kilograms": 1,
	"g": 0.001, "gram": 0.001, "grams": 0.001,
	"lb": 0.453592, "lbs": 0.453592, "pound": 0.453592, "pounds": 0.453592,
	"oz": 0.0283495, "ounce": 0.0283495, "ounces": 0.0283495,
}

var energyUnitToWatts = map[string]float64{
	"w": 1, "watt": 1, "watts": 1,
	"kw": 1000, "kilowatt": 1000, "kilowatts": 1000,
}

// defaultWeightKg is used when the page states no weight
var defaultWeightKg = map[domain.ProductType]float64{
	domain.ProductTypeElectronics: 2,
	domain.ProductTypeAppliances:  10,
	domain.ProductTypeClothing:    0.5,
	domain.ProductTypeFurniture:   15,
	domain.ProductTypeBeauty:      0.3,
	domain.ProductTypeFood:        0.5,
	domain.ProductTypeToys:        0.5,
}

// defaultEnergyWatts is used when the page states no power draw
var defaultEnergyWatts = map[domain.ProductType]float64{
	domain.ProductTypeElectronics: 50,
	domain.ProductTypeAppliances:  800,
}

// FeatureExtractor turns scraped product data into a FeatureVector. It is pure
// and never fails: anything it cannot parse becomes a zero or empty value.
type FeatureExtractor struct {
	table []ProductTypeRule
}

// NewFeatureExtractor creates an extractor; a nil table selects DefaultProductTypeTable
func NewFeatureExtractor(table []ProductTypeRule) *FeatureExtractor {
	if len(table) == 0 {
		table = DefaultProductTypeTable
	}
	return &FeatureExtractor{table: table}
}

// Extract derives the feature vector for raw
func (e *FeatureExtractor) Extract(raw domain.RawProduct) domain.FeatureVector {
	description := stripMarkup(raw.Description)
	text := strings.ToLower(raw.Title + " " + description + " " + specificationText(raw.Specifications))

	productType := e.DetectProductType(raw.Title, description)

	weight, ok := extractQuantity(text, weightPattern, weightUnitToKg)
	if !ok {
		weight = defaultWeightKg[productType]
	}
	energy, ok := extractQuantity(text, energyPattern, energyUnitToWatts)
	if !ok {
		energy = defaultEnergyWatts[productType]
	}

	price := raw.Price
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		price = 0
	}

	return domain.FeatureVector{
		ProductType:       productType,
		Materials:         extractTerms(text, materialTriggers, nil),
		Certifications:    extractTerms(text, certificationTriggers, knownCertifications),
		Weight:            weight,
		EnergyConsumption: energy,
		Price:             price,
		Title:             raw.Title,
		Description:       description,
	}
}

// DetectProductType returns the first table entry with a keyword contained in
// title or description, or "other". Punctuation is collapsed to single spaces
// and the text is padded so space-delimited keywords can match at either end.
func (e *FeatureExtractor) DetectProductType(title, description string) domain.ProductType {
	text := " " + tokenSplit.ReplaceAllString(strings.ToLower(title+" "+description), " ") + " "
	for _, rule := range e.table {
		for _, keyword := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(keyword)) {
				return rule.Type
			}
		}
	}
	return domain.ProductTypeOther
}

// stripMarkup returns the text content of HTML descriptions
func stripMarkup(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// specificationText flattens the specification map in key order
func specificationText(specs map[string]string) string {
	if len(specs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(specs[k])
		b.WriteString(". ")
	}
	return b.String()
}

// extractQuantity returns the first <number><unit> match normalised by units
func extractQuantity(text string, pattern *regexp.Regexp, units map[string]float64) (float64, bool) {
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if networkGeneration.MatchString(strings.ToLower(m[0])) {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil || value < 0 {
			continue
		}
		factor, ok := units[strings.ToLower(m[2])]
		if !ok {
			continue
		}
		return value * factor, true
	}
	return 0, false
}

// extractTerms collects tokens from the windows around trigger phrases plus any
// known labels. The result is deduplicated and sorted.
func extractTerms(text string, triggers []string, known []string) []string {
	set := make(map[string]struct{})

	for _, trigger := range triggers {
		offset := 0
		for {
			idx := strings.Index(text[offset:], trigger)
			if idx < 0 {
				break
			}
			offset += idx + len(trigger)
			for _, token := range candidateTokens(windowAfter(text, offset)) {
				set[token] = struct{}{}
			}
		}
	}

	for _, label := range known {
		if strings.Contains(text, label) {
			set[label] = struct{}{}
		}
	}

	terms := make([]string, 0, len(set))
	for term := range set {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

// windowAfter returns text following pos up to the window size or the end of the clause
func windowAfter(text string, pos int) string {
	end := pos + triggerWindowChars
	if end > len(text) {
		end = len(text)
	}
	window := text[pos:end]
	if cut := strings.IndexAny(window, ",.;:\n()"); cut >= 0 {
		window = window[:cut]
	}
	return window
}

// candidateTokens splits a window and keeps up to maxTokensPerMatch useful tokens
func candidateTokens(window string) []string {
	parts := tokenSplit.Split(window, -1)

	tokens := make([]string, 0, maxTokensPerMatch)
	for _, p := range parts {
		p = strings.Trim(p, "-")
		if len(p) < 3 || extractionNoise[p] || isNumeric(p) {
			continue
		}
		tokens = append(tokens, p)
		if len(tokens) == maxTokensPerMatch {
			break
		}
	}
	return tokens
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
