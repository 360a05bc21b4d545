package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/logging"
)

// Predictor is the model-backed scorer used by the analyzer
type Predictor interface {
	Evaluate(ctx context.Context, fv domain.FeatureVector) (Prediction, error)
	AddTrainingData(ctx context.Context, fv domain.FeatureVector, label float64)
	UpdateAccuracy(ctx context.Context, predicted, actual float64)
}

// AnalysisObserver receives one call per completed analysis
type AnalysisObserver interface {
	ObserveAnalysis(source domain.ScoreSource, score float64, elapsed time.Duration)
}

// AnalyzerConfig holds confidence settings of the analyzer
type AnalyzerConfig struct {
	// FallbackConfidence is reported for heuristic scores
	FallbackConfidence float64
	// ConfidenceThreshold is the minimum confidence for a model score to become a training sample
	ConfidenceThreshold float64

	Now func() time.Time
}

// Analyzer produces the aggregate sustainability result for a scraped product
type Analyzer struct {
	extractor *FeatureExtractor
	scorer    *HeuristicScorer
	predictor Predictor
	cache     domain.PredictionCache
	observer  AnalysisObserver
	logger    *slog.Logger
	cfg       AnalyzerConfig
	now       func() time.Time
}

// NewAnalyzer creates an analyzer. observer may be nil.
func NewAnalyzer(
	extractor *FeatureExtractor,
	scorer *HeuristicScorer,
	predictor Predictor,
	cache domain.PredictionCache,
	observer AnalysisObserver,
	cfg AnalyzerConfig,
	logger *slog.Logger,
) *Analyzer {
	if cfg.FallbackConfidence <= 0 {
		cfg.FallbackConfidence = 0.6
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Analyzer{
		extractor: extractor,
		scorer:    scorer,
		predictor: predictor,
		cache:     cache,
		observer:  observer,
		logger:    logging.OrDefault(logger),
		cfg:       cfg,
		now:       now,
	}
}

// analysisKey addresses the aggregate cache
func analysisKey(fv domain.FeatureVector) string {
	return "analysis:" + fv.Fingerprint()
}

// Analyze scores raw and builds the full result. Model failures fall back to
// the heuristic scorer with reduced confidence; the only errors returned are
// ErrInvalidRequest and context cancellation.
func (a *Analyzer) Analyze(ctx context.Context, raw domain.RawProduct) (*domain.AnalysisResult, error) {
	if strings.TrimSpace(raw.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidRequest)
	}

	start := a.now()
	fv := a.extractor.Extract(raw)
	key := analysisKey(fv)

	if cached, ok := a.cache.GetAnalysis(key); ok {
		cached.Metrics.Source = domain.ScoreSourceCache
		a.observe(domain.ScoreSourceCache, cached.OverallScore, start)
		return &cached, nil
	}

	score, confidence, source, err := a.score(ctx, fv)
	if err != nil {
		return nil, err
	}

	if source == domain.ScoreSourceModel && confidence >= a.cfg.ConfidenceThreshold {
		a.predictor.AddTrainingData(ctx, fv, score)
	}

	result := &domain.AnalysisResult{
		ID:              uuid.NewString(),
		OverallScore:    score,
		Metrics:         a.buildMetrics(fv, source),
		Confidence:      confidence,
		Alternatives:    suggestAlternatives(fv, score),
		Certifications:  nonNil(fv.Certifications),
		Recommendations: recommend(fv),
		Timestamp:       a.now().UnixMilli(),
	}

	a.cache.SetAnalysis(ctx, key, *result)
	a.observe(source, score, start)
	return result, nil
}

// score asks the model first and falls back to the heuristic. A fallback
// score is cached with low confidence like any other prediction.
func (a *Analyzer) score(ctx context.Context, fv domain.FeatureVector) (float64, float64, domain.ScoreSource, error) {
	prediction, err := a.predictor.Evaluate(ctx, fv)
	if err == nil {
		source := domain.ScoreSourceModel
		if prediction.Cached {
			source = domain.ScoreSourceCache
		}
		return prediction.Score, confidenceValue(prediction.Confidence), source, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, 0, "", ctxErr
	}

	var inferenceErr *domain.InferenceError
	switch {
	case errors.Is(err, domain.ErrModelNotReady):
		a.logger.Debug("model not ready, using heuristic score")
	case errors.As(err, &inferenceErr):
		a.logger.Warn("inference failed, using heuristic score", "attempts", inferenceErr.Attempts)
	default:
		a.logger.Warn("prediction failed, using heuristic score", "error", err)
	}

	score := a.scorer.Score(fv)
	a.cache.SetPrediction(ctx, fv, domain.CacheEntry{
		Score:      score,
		Confidence: domain.ConfidenceLow,
		Timestamp:  a.now().UnixMilli(),
	})
	return score, a.cfg.FallbackConfidence, domain.ScoreSourceHeuristic, nil
}

// RecordFeedback folds a ground-truth score into the running accuracy and
// adds it to the training set
func (a *Analyzer) RecordFeedback(ctx context.Context, raw domain.RawProduct, actual float64) error {
	if strings.TrimSpace(raw.Title) == "" {
		return fmt.Errorf("%w: title is required", domain.ErrInvalidRequest)
	}
	if actual < 0 || actual > 1 || math.IsNaN(actual) {
		return fmt.Errorf("%w: score must be within [0,1]", domain.ErrInvalidRequest)
	}

	fv := a.extractor.Extract(raw)

	// a cached fallback score says nothing about the model's accuracy
	prediction, err := a.predictor.Evaluate(ctx, fv)
	switch {
	case err != nil:
		a.logger.Debug("feedback without prediction", "error", err)
	case prediction.Confidence == domain.ConfidenceLow:
		a.logger.Debug("feedback against a fallback score")
	default:
		a.predictor.UpdateAccuracy(ctx, prediction.Score, actual)
	}

	a.predictor.AddTrainingData(ctx, fv, actual)
	return nil
}

func (a *Analyzer) observe(source domain.ScoreSource, score float64, start time.Time) {
	if a.observer == nil {
		return
	}
	a.observer.ObserveAnalysis(source, score, a.now().Sub(start))
}

func confidenceValue(c domain.Confidence) float64 {
	switch c {
	case domain.ConfidenceHigh:
		return 1.0
	case domain.ConfidenceMedium:
		return 0.8
	case domain.ConfidenceLow:
		return 0.6
	default:
		return 1.0
	}
}

// embodiedCarbonPerKg is a rough kg CO2e per kg of product by type
var embodiedCarbonPerKg = map[domain.ProductType]float64{
	domain.ProductTypeElectronics: 25,
	domain.ProductTypeAppliances:  6,
	domain.ProductTypeClothing:    15,
	domain.ProductTypeFurniture:   3,
	domain.ProductTypeBeauty:      4,
	domain.ProductTypeFood:        3,
	domain.ProductTypeToys:        6,
	domain.ProductTypeOther:       5,
}

// Use-phase assumptions for the carbon estimate
const (
	useHoursPerDay   = 4.0
	useYears         = 3.0
	gridKgCO2PerKWh  = 0.4
	recycledDiscount = 0.7
)

func (a *Analyzer) buildMetrics(fv domain.FeatureVector, source domain.ScoreSource) domain.SustainabilityMetrics {
	dims := a.scorer.DimensionScores(fv)
	return domain.SustainabilityMetrics{
		MaterialScore:      dims[DimensionMaterials],
		EnergyScore:        dims[DimensionEnergy],
		CertificationScore: dims[DimensionCertifications],
		CarbonFootprint:    estimateCarbon(fv),
		ProductType:        fv.ProductType,
		Materials:          nonNil(fv.Materials),
		Weight:             fv.Weight,
		EnergyConsumption:  fv.EnergyConsumption,
		Source:             source,
	}
}

// estimateCarbon returns embodied plus use-phase emissions in kg CO2e, rounded to 0.1
func estimateCarbon(fv domain.FeatureVector) float64 {
	embodied := fv.Weight * embodiedCarbonPerKg[fv.ProductType]
	if containsSubstring(fv.Materials, "recycled") {
		embodied *= recycledDiscount
	}
	kWh := fv.EnergyConsumption * useHoursPerDay * 365 * useYears / 1000
	total := embodied + kWh*gridKgCO2PerKWh
	return math.Round(total*10) / 10
}

// Energy draw above which a product is flagged as power hungry
const highEnergyWatts = 500

func recommend(fv domain.FeatureVector) []string {
	var tips []string
	if len(fv.Certifications) == 0 {
		switch fv.ProductType {
		case domain.ProductTypeElectronics, domain.ProductTypeAppliances:
			tips = append(tips, "Look for Energy Star or EPEAT certified models")
		case domain.ProductTypeClothing:
			tips = append(tips, "Look for GOTS or Fair Trade certified garments")
		case domain.ProductTypeFurniture:
			tips = append(tips, "Look for FSC certified wood")
		default:
			tips = append(tips, "Look for products with a recognised eco certification")
		}
	}
	if fv.EnergyConsumption >= highEnergyWatts {
		tips = append(tips, "This product draws a lot of power; compare energy ratings before buying")
	}
	if !containsSubstring(fv.Materials, "recycled") {
		tips = append(tips, "Prefer products made from recycled materials")
	}
	if fv.ProductType == domain.ProductTypeElectronics {
		tips = append(tips, "Consider a refurbished device to avoid new manufacturing emissions")
	}
	if len(tips) == 0 {
		tips = append(tips, "Good choice; extend its life by repairing rather than replacing")
	}
	return tips
}

var alternativesByType = map[domain.ProductType][]domain.Alternative{
	domain.ProductTypeElectronics: {
		{Name: "Refurbished model", Reason: "Reuses existing hardware", Improvement: 0.25},
		{Name: "EPEAT Gold certified model", Reason: "Verified lifecycle standards", Improvement: 0.15},
	},
	domain.ProductTypeAppliances: {
		{Name: "Energy Star rated model", Reason: "Lower power consumption", Improvement: 0.2},
	},
	domain.ProductTypeClothing: {
		{Name: "Organic cotton version", Reason: "No synthetic pesticides", Improvement: 0.2},
		{Name: "Second-hand garment", Reason: "No new production", Improvement: 0.3},
	},
	domain.ProductTypeFurniture: {
		{Name: "FSC certified wood furniture", Reason: "Responsibly sourced timber", Improvement: 0.2},
		{Name: "Reclaimed wood furniture", Reason: "Reuses existing material", Improvement: 0.25},
	},
	domain.ProductTypeBeauty: {
		{Name: "Refillable packaging", Reason: "Less single-use plastic", Improvement: 0.15},
	},
	domain.ProductTypeFood: {
		{Name: "Organic certified option", Reason: "Lower chemical inputs", Improvement: 0.1},
	},
	domain.ProductTypeToys: {
		{Name: "Wooden toy", Reason: "Durable and plastic free", Improvement: 0.2},
	},
}

// suggestAlternatives keeps table entries that would still improve on score
func suggestAlternatives(fv domain.FeatureVector, score float64) []domain.Alternative {
	alternatives := make([]domain.Alternative, 0, 2)
	for _, alt := range alternativesByType[fv.ProductType] {
		if score+alt.Improvement > 1 {
			continue
		}
		alternatives = append(alternatives, alt)
	}
	return alternatives
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
