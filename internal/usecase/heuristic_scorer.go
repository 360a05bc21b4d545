package usecase

import (
	"math"
	"strings"

	"github.com/greenscore/backend/internal/domain"
)

// Dimension groups keyword families for the metrics breakdown
type Dimension string

const (
	DimensionMaterials      Dimension = "materials"
	DimensionEnergy         Dimension = "energy"
	DimensionCertifications Dimension = "certifications"
	DimensionDurability     Dimension = "durability"
)

// KeywordFamily adds Weight to the score once when any keyword is present
type KeywordFamily struct {
	Name      string
	Dimension Dimension
	Weight    float64
	Keywords  []string
}

// Heuristic scoring constants
const (
	heuristicBase     = 0.5
	heuristicMaxBonus = 0.5
)

// DefaultKeywordFamilies are applied in order; each family counts at most once
var DefaultKeywordFamilies = []KeywordFamily{
	{Name: "recycled-materials", Dimension: DimensionMaterials, Weight: 0.1, Keywords: []string{
		"recycled", "reclaimed", "upcycled", "post-consumer", "repurposed",
	}},
	{Name: "sustainable-materials", Dimension: DimensionMaterials, Weight: 0.1, Keywords: []string{
		"bamboo", "organic cotton", "hemp", "cork", "linen", "bioplastic", "biodegradable",
		"compostable", "plant-based", "sustainably sourced",
	}},
	{Name: "energy-efficiency", Dimension: DimensionEnergy, Weight: 0.1, Keywords: []string{
		"energy star", "energy efficient", "energy-efficient", "low power", "solar", "a+++",
	}},
	{Name: "eco-certifications", Dimension: DimensionCertifications, Weight: 0.1, Keywords: []string{
		"fsc", "fair trade", "fairtrade", "gots", "usda organic", "cradle to cradle", "b corp",
		"epeat", "rainforest alliance", "oeko-tex", "eco-certified",
	}},
	{Name: "durability", Dimension: DimensionDurability, Weight: 0.05, Keywords: []string{
		"repairable", "refillable", "reusable", "rechargeable", "lifetime warranty", "durable",
	}},
	{Name: "single-use", Dimension: DimensionMaterials, Weight: -0.1, Keywords: []string{
		"single-use", "disposable", "styrofoam", "pvc",
	}},
}

// HeuristicScorer is the deterministic keyword-weighted fallback scorer
type HeuristicScorer struct {
	families []KeywordFamily
}

// NewHeuristicScorer creates a scorer; nil families selects DefaultKeywordFamilies
func NewHeuristicScorer(families []KeywordFamily) *HeuristicScorer {
	if len(families) == 0 {
		families = DefaultKeywordFamilies
	}
	return &HeuristicScorer{families: families}
}

// Score returns a value in [0,1]: 0.5 plus the weights of every matched
// family, with the total bonus capped at heuristicMaxBonus.
func (s *HeuristicScorer) Score(fv domain.FeatureVector) float64 {
	bonus := 0.0
	for _, family := range s.Matches(fv) {
		bonus += family.Weight
	}
	bonus = math.Min(bonus, heuristicMaxBonus)
	return clamp01(heuristicBase + bonus)
}

// Matches returns the families whose keywords occur in the product text,
// materials or certifications
func (s *HeuristicScorer) Matches(fv domain.FeatureVector) []KeywordFamily {
	text := searchText(fv)

	var matched []KeywordFamily
	for _, family := range s.families {
		for _, keyword := range family.Keywords {
			if strings.Contains(text, keyword) {
				matched = append(matched, family)
				break
			}
		}
	}
	return matched
}

// DimensionScores returns one [0,1] score per dimension starting at 0.5
func (s *HeuristicScorer) DimensionScores(fv domain.FeatureVector) map[Dimension]float64 {
	scores := map[Dimension]float64{
		DimensionMaterials:      heuristicBase,
		DimensionEnergy:         heuristicBase,
		DimensionCertifications: heuristicBase,
		DimensionDurability:     heuristicBase,
	}
	for _, family := range s.Matches(fv) {
		// dimension scores scale family weight by 2.5
		scores[family.Dimension] += family.Weight * 2.5
	}
	for d, v := range scores {
		scores[d] = clamp01(v)
	}
	return scores
}

func searchText(fv domain.FeatureVector) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(fv.Title))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(fv.Description))
	for _, m := range fv.Materials {
		b.WriteByte(' ')
		b.WriteString(m)
	}
	for _, c := range fv.Certifications {
		b.WriteByte(' ')
		b.WriteString(c)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
