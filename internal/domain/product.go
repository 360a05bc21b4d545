package domain

import "time"

// ProductType is the detected category of a product
type ProductType string

const (
	ProductTypeElectronics ProductType = "electronics"
	ProductTypeClothing    ProductType = "clothing"
	ProductTypeFurniture   ProductType = "furniture"
	ProductTypeAppliances  ProductType = "appliances"
	ProductTypeBeauty      ProductType = "beauty"
	ProductTypeFood        ProductType = "food"
	ProductTypeToys        ProductType = "toys"
	ProductTypeOther       ProductType = "other"
)

// ProductTypes lists every known type in encoding order, "other" last
var ProductTypes = []ProductType{
	ProductTypeElectronics,
	ProductTypeClothing,
	ProductTypeFurniture,
	ProductTypeAppliances,
	ProductTypeBeauty,
	ProductTypeFood,
	ProductTypeToys,
	ProductTypeOther,
}

// SellerInfo describes the merchant listing the product
type SellerInfo struct {
	Name     string  `json:"name"`
	Rating   float64 `json:"rating,omitempty"`
	Location string  `json:"location,omitempty"`
}

// RawProduct is the product data scraped from an e-commerce page by the extension
type RawProduct struct {
	Title          string            `json:"title" binding:"required"`
	Description    string            `json:"description"`
	Price          float64           `json:"price"`
	URL            string            `json:"url"`
	Specifications map[string]string `json:"specifications,omitempty"`
	Seller         *SellerInfo       `json:"seller,omitempty"`
	Images         []string          `json:"images,omitempty"`
}

// FeatureVector is the structured representation derived from a RawProduct
type FeatureVector struct {
	ProductType       ProductType `json:"productType"`
	Materials         []string    `json:"materials"`
	Certifications    []string    `json:"certifications"`
	Weight            float64     `json:"weight"`            // kilograms
	EnergyConsumption float64     `json:"energyConsumption"` // watts
	Price             float64     `json:"price"`
	Title             string      `json:"title"`
	Description       string      `json:"description"`
}

// Confidence grades how much a cached score can be trusted
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// CacheEntry is a cached prediction keyed by product fingerprint
type CacheEntry struct {
	Score      float64    `json:"score"`
	Confidence Confidence `json:"confidence"`
	Timestamp  int64      `json:"timestamp"` // epoch milliseconds
}

// CreatedAt returns the entry timestamp as time.Time
func (e CacheEntry) CreatedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// TrainingSample is a labelled feature vector used to fit the model
type TrainingSample struct {
	Features FeatureVector `json:"features"`
	Label    float64       `json:"label"`
}

// ErrorLogEntry records a failure in the scoring pipeline
type ErrorLogEntry struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// TrainingRecord summarises one training run
type TrainingRecord struct {
	Timestamp int64   `json:"timestamp"`
	Accuracy  float64 `json:"accuracy"`
	Loss      float64 `json:"loss"`
	Samples   int     `json:"samples"`
}

// ModelMetrics reports the state of the scoring model
type ModelMetrics struct {
	DataPoints    int     `json:"dataPoints"`
	LastTraining  int64   `json:"lastTraining"`
	Accuracy      float64 `json:"accuracy"`
	Predictions   int64   `json:"predictions"`
	TrainingCount int     `json:"trainingCount"`
}

// CacheStats reports cache and error counters
type CacheStats struct {
	CacheSize    int     `json:"cacheSize"`
	AnalysisSize int     `json:"analysisSize"`
	HitRate      float64 `json:"hitRate"`
	ErrorRate    float64 `json:"errorRate"`
	ErrorCount   int     `json:"errorCount"`
}
