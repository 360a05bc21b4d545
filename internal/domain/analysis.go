package domain

// ScoreSource tells where an overall score came from
type ScoreSource string

const (
	ScoreSourceModel     ScoreSource = "model"
	ScoreSourceCache     ScoreSource = "cache"
	ScoreSourceHeuristic ScoreSource = "heuristic"
)

// SustainabilityMetrics is the per-dimension breakdown shown in the badge popup
type SustainabilityMetrics struct {
	MaterialScore      float64     `json:"materialScore"`
	EnergyScore        float64     `json:"energyScore"`
	CertificationScore float64     `json:"certificationScore"`
	CarbonFootprint    float64     `json:"carbonFootprint"` // kg CO2e, rough estimate
	ProductType        ProductType `json:"productType"`
	Materials          []string    `json:"materials"`
	Weight             float64     `json:"weight"`
	EnergyConsumption  float64     `json:"energyConsumption"`
	Source             ScoreSource `json:"source"`
}

// Alternative is a more sustainable option suggested to the user
type Alternative struct {
	Name        string  `json:"name"`
	Reason      string  `json:"reason"`
	Improvement float64 `json:"improvement"`
}

// AnalysisResult is the aggregate returned to the extension UI
type AnalysisResult struct {
	ID              string                `json:"id"`
	OverallScore    float64               `json:"overallScore"`
	Metrics         SustainabilityMetrics `json:"metrics"`
	Confidence      float64               `json:"confidence"`
	Alternatives    []Alternative         `json:"alternatives"`
	Certifications  []string              `json:"certifications"`
	Recommendations []string              `json:"recommendations"`
	Timestamp       int64                 `json:"timestamp"`
}

// FeedbackRequest carries a ground-truth score for a product
type FeedbackRequest struct {
	Product RawProduct `json:"product" binding:"required"`
	Score   float64    `json:"score"`
}
