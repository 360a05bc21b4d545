package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/infrastructure/cache"
	"github.com/greenscore/backend/internal/infrastructure/storage"
	"github.com/greenscore/backend/internal/logging"
)

// stubModel is a scriptable domain.Model
type stubModel struct {
	mu      sync.Mutex
	calls   int
	fits    int
	predict func(call int) (float64, error)
	fit     func(ctx context.Context) (domain.TrainResult, error)
}

func (m *stubModel) Predict(ctx context.Context, input []float64) (float64, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	fn := m.predict
	m.mu.Unlock()

	if fn == nil {
		return 0.8, nil
	}
	return fn(call)
}

func (m *stubModel) Fit(ctx context.Context, inputs [][]float64, labels []float64, opts domain.TrainOptions) (domain.TrainResult, error) {
	m.mu.Lock()
	m.fits++
	fn := m.fit
	m.mu.Unlock()

	if fn == nil {
		return domain.TrainResult{Accuracy: 0.9, Loss: 0.1}, nil
	}
	return fn(ctx)
}

func (m *stubModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *stubModel) Fits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fits
}

// stubModelStore keeps the last saved model in memory
type stubModelStore struct {
	mu    sync.Mutex
	saved domain.Model
	saves int
}

func (s *stubModelStore) Save(ctx context.Context, m domain.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = m
	s.saves++
	return nil
}

func (s *stubModelStore) Load(ctx context.Context) (domain.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return nil, domain.ErrModelNotFound
	}
	return s.saved, nil
}

// unavailableStore fails every call
type unavailableStore struct{}

func (unavailableStore) Get(context.Context, ...string) (map[string][]byte, error) {
	return nil, errors.New("connection refused")
}
func (unavailableStore) Set(context.Context, map[string][]byte) error {
	return errors.New("connection refused")
}
func (unavailableStore) Close() error { return nil }

// sleepRecorder records backoff waits instead of sleeping
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type serviceFixture struct {
	service *ModelService
	model   *stubModel
	models  *stubModelStore
	cache   *cache.Manager
	store   *storage.MemoryStore
	sleeps  *sleepRecorder
}

func newServiceFixture(t *testing.T, model *stubModel, configure func(*ModelServiceConfig)) *serviceFixture {
	t.Helper()

	store := storage.NewMemoryStore()
	manager := cache.NewManager(store, cache.Config{}, logging.Discard())
	models := &stubModelStore{}
	sleeps := &sleepRecorder{}

	cfg := ModelServiceConfig{
		InferenceTimeout: time.Second,
		Sleep:            sleeps.Sleep,
	}
	if configure != nil {
		configure(&cfg)
	}

	service := NewModelService(store, models, manager, manager, NewFeatureEncoder(),
		func(int) domain.Model { return model }, cfg, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Close(ctx)
	})

	return &serviceFixture{
		service: service,
		model:   model,
		models:  models,
		cache:   manager,
		store:   store,
		sleeps:  sleeps,
	}
}

func (f *serviceFixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.service.Initialize(context.Background()))
}

func laptop(title string) domain.FeatureVector {
	return domain.FeatureVector{
		Title:       title,
		ProductType: domain.ProductTypeElectronics,
		Price:       999,
		Materials:   []string{"recycled"},
	}
}

func waitForTraining(t *testing.T, s *ModelService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForTraining(ctx))
}

func TestModelService_NotReadyBeforeInitialize(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)

	_, err := f.service.Predict(context.Background(), laptop("Eco laptop"))
	assert.ErrorIs(t, err, domain.ErrModelNotReady)
	assert.Equal(t, ModelStateUninitialized, f.service.State())

	_, err = f.service.TrainModel(context.Background())
	assert.ErrorIs(t, err, domain.ErrModelNotReady)
}

func TestModelService_PredictCachesResult(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	f.initialize(t)
	ctx := context.Background()
	fv := laptop("Eco laptop")

	first, err := f.service.Evaluate(ctx, fv)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 0.8, first.Score)
	assert.Equal(t, domain.ConfidenceHigh, first.Confidence)

	entry, ok := f.cache.GetPrediction(fv)
	require.True(t, ok)
	assert.Equal(t, 0.8, entry.Score)
	assert.Equal(t, domain.ConfidenceHigh, entry.Confidence)

	second, err := f.service.Evaluate(ctx, fv)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, f.model.Calls(), "cache hit must not run inference")
	assert.Equal(t, int64(1), f.service.GetModelMetrics().Predictions)
}

func TestModelService_RetriesWithBackoff(t *testing.T) {
	model := &stubModel{predict: func(call int) (float64, error) {
		if call < 3 {
			return 0, errors.New("backend busy")
		}
		return 0.7, nil
	}}
	f := newServiceFixture(t, model, nil)
	f.initialize(t)

	score, err := f.service.Predict(context.Background(), laptop("Eco laptop"))
	require.NoError(t, err)
	assert.Equal(t, 0.7, score)
	assert.Equal(t, 3, model.Calls())

	waits := f.sleeps.Waits()
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, waits)

	var total time.Duration
	for _, w := range waits {
		total += w
	}
	assert.GreaterOrEqual(t, total, 600*time.Millisecond)
	assert.Empty(t, f.cache.GetErrorLogs())
}

func TestModelService_RetryExhaustion(t *testing.T) {
	model := &stubModel{predict: func(int) (float64, error) {
		return 0, errors.New("model crashed")
	}}
	f := newServiceFixture(t, model, nil)
	f.initialize(t)
	fv := laptop("Eco laptop")

	_, err := f.service.Predict(context.Background(), fv)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInferenceFailed)
	assert.NotErrorIs(t, err, domain.ErrModelNotReady)

	var inferenceErr *domain.InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	assert.Equal(t, 3, inferenceErr.Attempts)
	assert.Equal(t, 3, model.Calls())
	assert.Len(t, f.sleeps.Waits(), 2)

	logs := f.cache.GetErrorLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "inference", logs[0].Context["stage"])
	assert.Equal(t, 3, logs[0].Context["attempts"])
	assert.NotNil(t, logs[0].Context["features"])

	_, cached := f.cache.GetPrediction(fv)
	assert.False(t, cached, "failures must not be cached")
}

func TestModelService_TimeoutDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	model := &stubModel{predict: func(int) (float64, error) {
		<-release
		return 0.9, nil
	}}
	f := newServiceFixture(t, model, func(cfg *ModelServiceConfig) {
		cfg.InferenceTimeout = 20 * time.Millisecond
		cfg.MaxRetries = 1
	})
	f.initialize(t)
	fv := laptop("Slow laptop")

	_, err := f.service.Predict(context.Background(), fv)
	assert.ErrorIs(t, err, domain.ErrInferenceTimeout)
	assert.ErrorIs(t, err, domain.ErrInferenceFailed)

	close(release)
	time.Sleep(20 * time.Millisecond)

	_, cached := f.cache.GetPrediction(fv)
	assert.False(t, cached)
}

func TestModelService_CallerDeadlineStopsWaiting(t *testing.T) {
	model := &stubModel{predict: func(int) (float64, error) {
		return 0, errors.New("model crashed")
	}}
	f := newServiceFixture(t, model, func(cfg *ModelServiceConfig) {
		cfg.Sleep = sleepContext
		cfg.BaseBackoff = time.Hour
	})
	f.initialize(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.service.Predict(ctx, laptop("Eco laptop"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrInferenceFailed)
	assert.Eventually(t, func() bool { return model.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.cache.GetErrorLogs(), "the caller leaving is not an inference failure")
}

func TestModelService_CanceledContextBeforeInference(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	f.initialize(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.Predict(ctx, laptop("Eco laptop"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.model.Calls())
}

func TestModelService_SharedInferenceSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	model := &stubModel{predict: func(int) (float64, error) {
		once.Do(func() { close(started) })
		<-release
		return 0.75, nil
	}}
	f := newServiceFixture(t, model, nil)
	f.initialize(t)
	fv := laptop("Shared laptop")

	leaving, cancel := context.WithCancel(context.Background())
	leavingErr := make(chan error, 1)
	go func() {
		_, err := f.service.Predict(leaving, fv)
		leavingErr <- err
	}()
	<-started

	type outcome struct {
		score float64
		err   error
	}
	staying := make(chan outcome, 1)
	go func() {
		score, err := f.service.Predict(context.Background(), fv)
		staying <- outcome{score: score, err: err}
	}()

	cancel()
	assert.ErrorIs(t, <-leavingErr, context.Canceled)

	close(release)
	got := <-staying
	require.NoError(t, got.err)
	assert.Equal(t, 0.75, got.score)
	assert.Equal(t, 1, model.Calls())
	assert.Empty(t, f.cache.GetErrorLogs())
	assert.Zero(t, f.cache.Stats().ErrorCount)
}

func TestModelService_TrainingSetIsFIFO(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, func(cfg *ModelServiceConfig) {
		cfg.RetrainEvery = 10000
	})
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 1100; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.5)
	}

	samples := f.service.TrainingSamples()
	require.Len(t, samples, 1000)
	assert.Equal(t, "item 100", samples[0].Features.Title)
	assert.Equal(t, "item 1099", samples[999].Features.Title)
	assert.Equal(t, 1000, f.service.GetModelMetrics().DataPoints)

	values, err := f.store.Get(ctx, TrainingDataKey)
	require.NoError(t, err)
	var persisted []domain.TrainingSample
	require.NoError(t, json.Unmarshal(values[TrainingDataKey], &persisted))
	require.Len(t, persisted, 1000)
	assert.Equal(t, "item 100", persisted[0].Features.Title)
}

func TestModelService_RetrainsEveryTenAdditions(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.9)
	}
	waitForTraining(t, f.service)
	assert.Equal(t, 0, f.model.Fits())

	f.service.AddTrainingData(ctx, laptop("item 9"), 0.9)
	waitForTraining(t, f.service)
	assert.Equal(t, 1, f.model.Fits())
	assert.Equal(t, 1, f.models.saves)

	history := f.service.GetTrainingHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 0.9, history[0].Accuracy)
	assert.Equal(t, 0.1, history[0].Loss)
	assert.Equal(t, 10, history[0].Samples)

	metrics := f.service.GetModelMetrics()
	assert.Equal(t, 10, metrics.DataPoints)
	assert.Equal(t, 1, metrics.TrainingCount)
	assert.Equal(t, 0.9, metrics.Accuracy)
	assert.NotZero(t, metrics.LastTraining)
	assert.Equal(t, ModelStateReady, f.service.State())
}

func TestModelService_TrainRequiresMinimumSamples(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.5)
	}

	_, err := f.service.TrainModel(ctx)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
	assert.Equal(t, 0, f.model.Fits())
	assert.Empty(t, f.service.GetTrainingHistory())
}

func TestModelService_SingleTrainingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	model := &stubModel{fit: func(ctx context.Context) (domain.TrainResult, error) {
		close(started)
		<-release
		return domain.TrainResult{Accuracy: 0.8}, nil
	}}
	f := newServiceFixture(t, model, func(cfg *ModelServiceConfig) {
		cfg.RetrainEvery = 10000
	})
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.5)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.service.TrainModel(ctx)
		done <- err
	}()
	<-started

	assert.Equal(t, ModelStateTraining, f.service.State())
	_, err := f.service.TrainModel(ctx)
	assert.ErrorIs(t, err, domain.ErrTrainingInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, model.Fits())
	assert.Equal(t, ModelStateReady, f.service.State())
}

func TestModelService_TrainingFailureClearsFlag(t *testing.T) {
	model := &stubModel{fit: func(context.Context) (domain.TrainResult, error) {
		return domain.TrainResult{}, errors.New("diverged")
	}}
	f := newServiceFixture(t, model, func(cfg *ModelServiceConfig) {
		cfg.RetrainEvery = 10000
	})
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.5)
	}

	_, err := f.service.TrainModel(ctx)
	require.Error(t, err)
	assert.Equal(t, ModelStateReady, f.service.State())
	assert.Empty(t, f.service.GetTrainingHistory())
	assert.Zero(t, f.models.saves)

	logs := f.cache.GetErrorLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "training", logs[0].Context["stage"])

	// the stale model keeps serving
	score, err := f.service.Predict(ctx, laptop("Eco laptop"))
	require.NoError(t, err)
	assert.Equal(t, 0.8, score)

	_, err = f.service.TrainModel(ctx)
	assert.NotErrorIs(t, err, domain.ErrTrainingInProgress)
}

func TestModelService_HistoryIsBounded(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, func(cfg *ModelServiceConfig) {
		cfg.RetrainEvery = 10000
		cfg.HistorySize = 3
	})
	f.initialize(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.service.AddTrainingData(ctx, laptop(fmt.Sprintf("item %d", i)), 0.5)
	}
	for i := 0; i < 5; i++ {
		_, err := f.service.TrainModel(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, f.service.GetTrainingHistory(), 3)
	assert.Equal(t, 5, f.service.GetModelMetrics().TrainingCount)
}

func TestModelService_InitializeRestoresState(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	ctx := context.Background()

	samples := make([]domain.TrainingSample, 12)
	for i := range samples {
		samples[i] = domain.TrainingSample{Features: laptop(fmt.Sprintf("item %d", i)), Label: 0.7}
	}
	rawSamples, err := json.Marshal(samples)
	require.NoError(t, err)
	rawMetrics, err := json.Marshal(domain.ModelMetrics{Accuracy: 0.75, LastTraining: 42, TrainingCount: 2})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, map[string][]byte{
		TrainingDataKey: rawSamples,
		ModelMetricsKey: rawMetrics,
	}))

	f.initialize(t)
	waitForTraining(t, f.service)

	assert.Len(t, f.service.TrainingSamples(), 12)
	assert.Equal(t, 1, f.model.Fits(), "fresh model is trained on restored samples")

	metrics := f.service.GetModelMetrics()
	assert.Equal(t, 12, metrics.DataPoints)
	assert.Equal(t, 3, metrics.TrainingCount)
}

func TestModelService_InitializeUsesPersistedModel(t *testing.T) {
	persisted := &stubModel{predict: func(int) (float64, error) { return 0.3, nil }}
	fresh := &stubModel{}
	f := newServiceFixture(t, fresh, nil)
	f.models.saved = persisted

	f.initialize(t)

	score, err := f.service.Predict(context.Background(), laptop("Eco laptop"))
	require.NoError(t, err)
	assert.Equal(t, 0.3, score)
	assert.Zero(t, fresh.Calls())
}

func TestModelService_InitializeStorageUnavailable(t *testing.T) {
	service := NewModelService(unavailableStore{}, &stubModelStore{}, nil, nil, nil,
		func(int) domain.Model { return &stubModel{} }, ModelServiceConfig{}, logging.Discard())

	err := service.Initialize(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, ModelStateUninitialized, service.State())
}

func TestModelService_UpdateAccuracy(t *testing.T) {
	f := newServiceFixture(t, &stubModel{}, nil)
	f.initialize(t)
	ctx := context.Background()

	f.service.UpdateAccuracy(ctx, 0.8, 0.6)
	assert.InDelta(t, 0.8, f.service.GetModelMetrics().Accuracy, 1e-9)

	f.service.UpdateAccuracy(ctx, 0.5, 0.5)
	assert.InDelta(t, 0.1*1.0+0.9*0.8, f.service.GetModelMetrics().Accuracy, 1e-9)
}
