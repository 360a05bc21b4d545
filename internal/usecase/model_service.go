package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/logging"
)

// Storage keys of the model service snapshots
const (
	TrainingDataKey    = "trainingData"
	ModelMetricsKey    = "modelMetrics"
	TrainingHistoryKey = "trainingHistory"
)

// accuracyDecay is the weight of a new observation in the running accuracy
const accuracyDecay = 0.1

// ModelState is the lifecycle state of the model service
type ModelState string

const (
	ModelStateUninitialized ModelState = "uninitialized"
	ModelStateReady         ModelState = "ready"
	ModelStateTraining      ModelState = "training"
)

// ModelFactory builds an untrained model for inputs of the given size
type ModelFactory func(inputSize int) domain.Model

// ModelServiceConfig holds inference, retry and training settings
type ModelServiceConfig struct {
	InferenceTimeout   time.Duration
	MaxRetries         int
	BaseBackoff        time.Duration
	MaxTrainingSamples int
	RetrainEvery       int
	MinTrainingSamples int
	HistorySize        int
	Train              domain.TrainOptions

	// Now and Sleep override the clock and backoff waits; nil means real time
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Prediction is the outcome of a successful predict call
type Prediction struct {
	Score      float64
	Confidence domain.Confidence
	Cached     bool
}

// ModelService owns the scoring model and its training set. Predictions go
// through the injected cache; failures are written to the injected error log.
type ModelService struct {
	store   domain.KeyValueStore
	models  domain.ModelStore
	cache   domain.PredictionCache
	errLog  domain.ErrorLogger
	encoder *FeatureEncoder
	factory ModelFactory
	logger  *slog.Logger
	cfg     ModelServiceConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	inflight singleflight.Group

	mutex        sync.RWMutex
	model        domain.Model
	trainingData []domain.TrainingSample
	additions    int
	metrics      domain.ModelMetrics
	history      []domain.TrainingRecord

	predictions atomic.Int64
	training    atomic.Bool

	// background training runs under lifetime and is tracked by workers
	lifetime context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup

	persistMutex sync.Mutex
}

// NewModelService creates an uninitialized service; call Initialize before predicting
func NewModelService(
	store domain.KeyValueStore,
	models domain.ModelStore,
	cache domain.PredictionCache,
	errLog domain.ErrorLogger,
	encoder *FeatureEncoder,
	factory ModelFactory,
	cfg ModelServiceConfig,
	logger *slog.Logger,
) *ModelService {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxTrainingSamples <= 0 {
		cfg.MaxTrainingSamples = 1000
	}
	if cfg.RetrainEvery <= 0 {
		cfg.RetrainEvery = 10
	}
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = 10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if encoder == nil {
		encoder = NewFeatureEncoder()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	lifetime, cancel := context.WithCancel(context.Background())

	return &ModelService{
		store:    store,
		models:   models,
		cache:    cache,
		errLog:   errLog,
		encoder:  encoder,
		factory:  factory,
		logger:   logging.OrDefault(logger),
		cfg:      cfg,
		now:      now,
		sleep:    sleep,
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// Initialize restores the training set, metrics and history, then loads the
// persisted model. Without a usable model it builds a fresh one and schedules
// an initial training pass over the restored samples. Only a store failure
// is returned.
func (s *ModelService) Initialize(ctx context.Context) error {
	if s.State() != ModelStateUninitialized {
		return nil
	}

	values, err := s.store.Get(ctx, TrainingDataKey, ModelMetricsKey, TrainingHistoryKey)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	var (
		samples []domain.TrainingSample
		metrics domain.ModelMetrics
		history []domain.TrainingRecord
	)
	decodeSnapshot(s.logger, values, TrainingDataKey, &samples)
	decodeSnapshot(s.logger, values, ModelMetricsKey, &metrics)
	decodeSnapshot(s.logger, values, TrainingHistoryKey, &history)

	if len(samples) > s.cfg.MaxTrainingSamples {
		samples = samples[len(samples)-s.cfg.MaxTrainingSamples:]
	}
	if len(history) > s.cfg.HistorySize {
		history = history[len(history)-s.cfg.HistorySize:]
	}

	model, fresh := s.loadModel(ctx)

	s.mutex.Lock()
	s.trainingData = samples
	s.metrics = metrics
	s.history = history
	s.model = model
	s.mutex.Unlock()

	s.logger.Info("model service ready",
		"fresh_model", fresh,
		"training_samples", len(samples),
		"trainings", len(history))

	if fresh && len(samples) >= s.cfg.MinTrainingSamples {
		s.triggerTraining()
	}
	return nil
}

// loadModel returns the persisted model, or a fresh one when none is usable
func (s *ModelService) loadModel(ctx context.Context) (domain.Model, bool) {
	loaded, err := s.models.Load(ctx)
	switch {
	case err == nil:
		sized, ok := loaded.(interface{ InputSize() int })
		if !ok || sized.InputSize() == s.encoder.Dimension() {
			return loaded, false
		}
		s.logger.Warn("discarding persisted model with stale input shape",
			"input_size", sized.InputSize(),
			"expected", s.encoder.Dimension())
	case errors.Is(err, domain.ErrModelNotFound):
		s.logger.Info("no persisted model, starting fresh", "reason", err)
	default:
		s.logger.Warn("failed to load persisted model, starting fresh", "error", err)
	}
	return s.factory(s.encoder.Dimension()), true
}

func decodeSnapshot(logger *slog.Logger, values map[string][]byte, key string, dst any) {
	raw, ok := values[key]
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.Warn("discarding undecodable snapshot", "key", key, "error", err)
	}
}

// State reports the lifecycle state
func (s *ModelService) State() ModelState {
	s.mutex.RLock()
	ready := s.model != nil
	s.mutex.RUnlock()

	switch {
	case !ready:
		return ModelStateUninitialized
	case s.training.Load():
		return ModelStateTraining
	default:
		return ModelStateReady
	}
}

func (s *ModelService) currentModel() domain.Model {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.model
}

// Predict returns the score for fv from the cache or from the model
func (s *ModelService) Predict(ctx context.Context, fv domain.FeatureVector) (float64, error) {
	p, err := s.Evaluate(ctx, fv)
	if err != nil {
		return 0, err
	}
	return p.Score, nil
}

// Evaluate is Predict that also reports whether the score came from the cache.
// It returns ErrModelNotReady before Initialize and an *InferenceError once
// every attempt has failed; it never substitutes a heuristic score. A caller
// whose ctx ends first gets ctx.Err() while the shared inference carries on.
func (s *ModelService) Evaluate(ctx context.Context, fv domain.FeatureVector) (Prediction, error) {
	model := s.currentModel()
	if model == nil {
		return Prediction{}, domain.ErrModelNotReady
	}

	if entry, ok := s.cache.GetPrediction(fv); ok {
		return Prediction{Score: entry.Score, Confidence: entry.Confidence, Cached: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	// Concurrent misses on one fingerprint share a single inference. It runs
	// under the service lifetime so one caller leaving does not fail the rest.
	results := s.inflight.DoChan(fv.Fingerprint(), func() (any, error) {
		return s.inferWithRetry(s.lifetime, model, fv)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return Prediction{}, res.Err
		}
		return Prediction{Score: res.Val.(float64), Confidence: domain.ConfidenceHigh}, nil
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}

func (s *ModelService) inferWithRetry(ctx context.Context, model domain.Model, fv domain.FeatureVector) (float64, error) {
	input := s.encoder.Encode(fv)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		attempts = attempt
		score, err := s.inferOnce(ctx, model, input)
		if err == nil {
			s.predictions.Add(1)
			s.cache.SetPrediction(ctx, fv, domain.CacheEntry{
				Score:      score,
				Confidence: domain.ConfidenceHigh,
				Timestamp:  s.now().UnixMilli(),
			})
			return score, nil
		}

		lastErr = err
		s.logger.Warn("inference attempt failed",
			"attempt", attempt,
			"max_retries", s.cfg.MaxRetries,
			"error", err)

		if attempt == s.cfg.MaxRetries {
			break
		}
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	// shutdown is not an inference failure
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	failure := &domain.InferenceError{Attempts: attempts, Err: lastErr}
	s.logger.Error("inference failed", "attempts", attempts, "error", lastErr)
	s.errLog.LogError(context.WithoutCancel(ctx), failure, map[string]any{
		"stage":    "inference",
		"features": summarizeFeatures(fv),
		"attempts": attempts,
	})
	return 0, failure
}

// backoff returns 2^attempt * BaseBackoff
func (s *ModelService) backoff(attempt int) time.Duration {
	return s.cfg.BaseBackoff * time.Duration(1<<attempt)
}

// inferOnce races the model call against the inference timeout. A result
// arriving after the timeout is dropped.
func (s *ModelService) inferOnce(ctx context.Context, model domain.Model, input []float64) (float64, error) {
	timer := time.NewTimer(s.cfg.InferenceTimeout)
	defer timer.Stop()

	type outcome struct {
		score float64
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("model panicked: %v", r)}
			}
		}()
		score, err := model.Predict(ctx, input)
		done <- outcome{score: score, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return 0, out.err
		}
		if math.IsNaN(out.score) || math.IsInf(out.score, 0) {
			return 0, fmt.Errorf("model returned %v", out.score)
		}
		return clamp01(out.score), nil
	case <-timer.C:
		return 0, fmt.Errorf("%w after %s", domain.ErrInferenceTimeout, s.cfg.InferenceTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func summarizeFeatures(fv domain.FeatureVector) map[string]any {
	return map[string]any{
		"fingerprint":    fv.Fingerprint(),
		"productType":    fv.ProductType,
		"price":          fv.Price,
		"materials":      len(fv.Materials),
		"certifications": len(fv.Certifications),
	}
}

// AddTrainingData appends a labelled sample to the bounded training set and
// persists it. Every RetrainEvery-th addition starts a background training
// run unless one is already active.
func (s *ModelService) AddTrainingData(ctx context.Context, fv domain.FeatureVector, label float64) {
	s.mutex.Lock()
	s.trainingData = append(s.trainingData, domain.TrainingSample{Features: fv, Label: clamp01(label)})
	if over := len(s.trainingData) - s.cfg.MaxTrainingSamples; over > 0 {
		s.trainingData = slices.Clone(s.trainingData[over:])
	}
	s.additions++
	retrain := s.additions%s.cfg.RetrainEvery == 0
	s.mutex.Unlock()

	s.persist(ctx, TrainingDataKey)

	if retrain {
		s.triggerTraining()
	}
}

// TrainingSamples returns a copy of the training set, oldest first
func (s *ModelService) TrainingSamples() []domain.TrainingSample {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Clone(s.trainingData)
}

func (s *ModelService) triggerTraining() {
	if s.training.Load() {
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		if _, err := s.TrainModel(s.lifetime); err != nil {
			switch {
			case errors.Is(err, domain.ErrTrainingInProgress), errors.Is(err, domain.ErrInsufficientData):
				s.logger.Debug("background training skipped", "reason", err)
			default:
				s.logger.Error("background training failed", "error", err)
			}
		}
	}()
}

// TrainModel fits the model over the whole training set. It returns
// ErrTrainingInProgress or ErrInsufficientData without doing anything when a
// run is active or fewer than MinTrainingSamples are held. A failed fit leaves
// the previous weights serving.
func (s *ModelService) TrainModel(ctx context.Context) (domain.TrainingRecord, error) {
	model := s.currentModel()
	if model == nil {
		return domain.TrainingRecord{}, domain.ErrModelNotReady
	}
	if !s.training.CompareAndSwap(false, true) {
		return domain.TrainingRecord{}, domain.ErrTrainingInProgress
	}
	defer s.training.Store(false)

	samples := s.TrainingSamples()
	if len(samples) < s.cfg.MinTrainingSamples {
		return domain.TrainingRecord{}, fmt.Errorf("%w: have %d samples, need %d",
			domain.ErrInsufficientData, len(samples), s.cfg.MinTrainingSamples)
	}

	inputs := make([][]float64, len(samples))
	labels := make([]float64, len(samples))
	for i, sample := range samples {
		inputs[i] = s.encoder.Encode(sample.Features)
		labels[i] = sample.Label
	}

	start := s.now()
	result, err := model.Fit(ctx, inputs, labels, s.cfg.Train)
	if err != nil {
		s.logger.Error("training failed", "samples", len(samples), "error", err)
		s.errLog.LogError(context.WithoutCancel(ctx), err, map[string]any{
			"stage":   "training",
			"samples": len(samples),
		})
		return domain.TrainingRecord{}, fmt.Errorf("train model: %w", err)
	}

	if err := s.models.Save(ctx, model); err != nil {
		s.logger.Error("failed to save model", "error", err)
		s.errLog.LogError(context.WithoutCancel(ctx), err, map[string]any{"stage": "save-model"})
	}

	record := domain.TrainingRecord{
		Timestamp: s.now().UnixMilli(),
		Accuracy:  result.Accuracy,
		Loss:      result.Loss,
		Samples:   len(samples),
	}

	s.mutex.Lock()
	s.history = append(s.history, record)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = slices.Clone(s.history[over:])
	}
	s.metrics.LastTraining = record.Timestamp
	s.metrics.Accuracy = result.Accuracy
	s.metrics.TrainingCount++
	s.mutex.Unlock()

	s.persist(ctx, ModelMetricsKey, TrainingHistoryKey)

	s.logger.Info("model trained",
		"samples", len(samples),
		"accuracy", result.Accuracy,
		"loss", result.Loss,
		"duration", s.now().Sub(start))
	return record, nil
}

// UpdateAccuracy folds one ground-truth comparison into the running accuracy
func (s *ModelService) UpdateAccuracy(ctx context.Context, predicted, actual float64) {
	observed := 1 - math.Abs(clamp01(predicted)-clamp01(actual))

	s.mutex.Lock()
	if s.metrics.Accuracy == 0 && s.metrics.TrainingCount == 0 {
		s.metrics.Accuracy = observed
	} else {
		s.metrics.Accuracy = accuracyDecay*observed + (1-accuracyDecay)*s.metrics.Accuracy
	}
	s.mutex.Unlock()

	s.persist(ctx, ModelMetricsKey)
}

// GetModelMetrics returns the persisted aggregates with the live training set size
func (s *ModelService) GetModelMetrics() domain.ModelMetrics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	metrics := s.metrics
	metrics.DataPoints = len(s.trainingData)
	metrics.Predictions = s.predictions.Load()
	return metrics
}

// GetTrainingHistory returns training records, oldest first
func (s *ModelService) GetTrainingHistory() []domain.TrainingRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Clone(s.history)
}

// WaitForTraining blocks until background training runs finish or ctx ends
func (s *ModelService) WaitForTraining(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels background training and waits for it to stop
func (s *ModelService) Close(ctx context.Context) error {
	s.cancel()
	return s.WaitForTraining(ctx)
}

func (s *ModelService) persist(ctx context.Context, keys ...string) {
	s.persistMutex.Lock()
	defer s.persistMutex.Unlock()

	values, err := s.snapshot(keys...)
	if err != nil {
		s.logger.Error("failed to encode model state", "keys", keys, "error", err)
		return
	}
	if err := s.store.Set(ctx, values); err != nil {
		s.logger.Error("failed to persist model state", "keys", keys, "error", err)
		s.errLog.LogError(context.WithoutCancel(ctx), err, map[string]any{
			"stage": "persist",
			"keys":  keys,
		})
	}
}

func (s *ModelService) snapshot(keys ...string) (map[string][]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var v any
		switch key {
		case TrainingDataKey:
			v = s.trainingData
		case ModelMetricsKey:
			v = s.metrics
		case TrainingHistoryKey:
			v = s.history
		default:
			return nil, fmt.Errorf("unknown snapshot key %q", key)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		values[key] = raw
	}
	return values, nil
}
