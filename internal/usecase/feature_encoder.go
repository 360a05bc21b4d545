package usecase

import (
	"math"
	"strings"

	"github.com/greenscore/backend/internal/domain"
)

// encoderVocabulary drives the term-frequency block of the encoding
var encoderVocabulary = []string{
	"recycled", "sustainable", "organic", "eco", "green", "bamboo", "natural", "biodegradable",
	"compostable", "renewable", "solar", "efficient", "energy", "reusable", "refillable",
	"durable", "repairable", "vegan", "plastic", "disposable", "fair", "certified", "carbon", "local",
}

var encoderMaterials = []string{
	"recycled", "bamboo", "organic", "cotton", "wool", "plastic", "metal", "aluminium", "steel", "wood", "glass",
}

// Numeric normalisation ranges
const (
	maxEncodedWeightKg = 50.0
	maxEncodedWatts    = 2000.0
	maxEncodedLogPrice = 10.0
	maxEncodedTermHits = 3.0
	maxEncodedSetSize  = 5.0
)

// FeatureEncoder maps a FeatureVector to the fixed-width numeric input of the model
type FeatureEncoder struct{}

// NewFeatureEncoder creates an encoder
func NewFeatureEncoder() *FeatureEncoder {
	return &FeatureEncoder{}
}

// Dimension is the length of every encoded vector
func (e *FeatureEncoder) Dimension() int {
	return len(encoderVocabulary) + len(domain.ProductTypes) + len(encoderMaterials) + len(knownCertifications) + 5
}

// Encode returns term frequencies, a one-hot product type, material and
// certification indicators, then normalised numerics; every value is in [0,1].
func (e *FeatureEncoder) Encode(fv domain.FeatureVector) []float64 {
	out := make([]float64, 0, e.Dimension())

	words := strings.FieldsFunc(strings.ToLower(fv.Title+" "+fv.Description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	for _, term := range encoderVocabulary {
		out = append(out, math.Min(float64(counts[term])/maxEncodedTermHits, 1))
	}

	for _, t := range domain.ProductTypes {
		out = append(out, boolFeature(fv.ProductType == t))
	}

	for _, material := range encoderMaterials {
		out = append(out, boolFeature(containsSubstring(fv.Materials, material)))
	}

	for _, cert := range knownCertifications {
		out = append(out, boolFeature(containsSubstring(fv.Certifications, cert)))
	}

	out = append(out,
		clamp01(fv.Weight/maxEncodedWeightKg),
		clamp01(fv.EnergyConsumption/maxEncodedWatts),
		clamp01(math.Log1p(math.Max(fv.Price, 0))/maxEncodedLogPrice),
		clamp01(float64(len(fv.Materials))/maxEncodedSetSize),
		clamp01(float64(len(fv.Certifications))/maxEncodedSetSize),
	)
	return out
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func containsSubstring(values []string, needle string) bool {
	for _, v := range values {
		if strings.Contains(v, needle) {
			return true
		}
	}
	return false
}
