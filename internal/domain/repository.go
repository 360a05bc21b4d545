package domain

import "context"

// KeyValueStore is the durable storage collaborator. Values are whole-object
// snapshots; there are no partial writes.
type KeyValueStore interface {
	// Get returns the values present for keys; missing keys are absent from the map
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every key in values
	Set(ctx context.Context, values map[string][]byte) error
	Close() error
}

// TrainOptions controls a single fit run
type TrainOptions struct {
	Epochs          int
	ValidationSplit float64
	LearningRate    float64
}

// TrainResult reports validation metrics of a fit run
type TrainResult struct {
	Accuracy float64
	Loss     float64
}

// Model is a trainable scorer over encoded feature vectors
type Model interface {
	Predict(ctx context.Context, input []float64) (float64, error)
	Fit(ctx context.Context, inputs [][]float64, labels []float64, opts TrainOptions) (TrainResult, error)
}

// ModelStore persists models under a fixed logical name
type ModelStore interface {
	Save(ctx context.Context, model Model) error
	// Load returns ErrModelNotFound when nothing has been saved
	Load(ctx context.Context) (Model, error)
}

// PredictionCache stores model or fallback predictions and aggregate analysis results
type PredictionCache interface {
	GetPrediction(fv FeatureVector) (CacheEntry, bool)
	SetPrediction(ctx context.Context, fv FeatureVector, entry CacheEntry)
	GetAnalysis(key string) (AnalysisResult, bool)
	SetAnalysis(ctx context.Context, key string, result AnalysisResult)
}

// ErrorLogger records pipeline failures
type ErrorLogger interface {
	LogError(ctx context.Context, err error, fields map[string]any) ErrorLogEntry
}
