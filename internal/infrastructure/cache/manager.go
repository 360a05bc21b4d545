package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/logging"
)

// Storage keys of the persisted snapshots
const (
	PredictionCacheKey = "predictionCache"
	AnalysisCacheKey   = "analysisCache"
	ErrorLogsKey       = "errorLogs"
)

// Config holds cache limits
type Config struct {
	TTL          time.Duration
	MaxEntries   int
	ErrorLogSize int
	ErrorLogTTL  time.Duration

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// analysisEntry wraps an aggregate result with its creation time
type analysisEntry struct {
	Result    domain.AnalysisResult `json:"result"`
	Timestamp int64                 `json:"timestamp"`
}

// Manager owns the prediction cache, the analysis-result cache and the error
// log. Every mutation is written through to the key-value store.
type Manager struct {
	store  domain.KeyValueStore
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mutex       sync.Mutex
	predictions map[string]domain.CacheEntry
	analyses    map[string]analysisEntry
	errorLogs   []domain.ErrorLogEntry // newest first

	hits     int64
	misses   int64
	failures int64

	// persistMutex orders snapshot writes so an older snapshot never lands after a newer one
	persistMutex sync.Mutex
}

// NewManager creates an empty manager; call Load to restore persisted state
func NewManager(store domain.KeyValueStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = 100
	}
	if cfg.ErrorLogTTL <= 0 {
		cfg.ErrorLogTTL = 7 * 24 * time.Hour
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:       store,
		logger:      logging.OrDefault(logger),
		cfg:         cfg,
		now:         now,
		predictions: make(map[string]domain.CacheEntry),
		analyses:    make(map[string]analysisEntry),
	}
}

// Load restores persisted snapshots. A store failure is returned wrapped in
// ErrStorageUnavailable; undecodable snapshots are logged and skipped.
func (m *Manager) Load(ctx context.Context) error {
	values, err := m.store.Get(ctx, PredictionCacheKey, AnalysisCacheKey, ErrorLogsKey)
	if err != nil {
		return wrapStorageError(err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if raw, ok := values[PredictionCacheKey]; ok {
		if err := json.Unmarshal(raw, &m.predictions); err != nil {
			m.logger.Warn("discarding undecodable prediction cache", "error", err)
			m.predictions = make(map[string]domain.CacheEntry)
		}
	}
	if raw, ok := values[AnalysisCacheKey]; ok {
		if err := json.Unmarshal(raw, &m.analyses); err != nil {
			m.logger.Warn("discarding undecodable analysis cache", "error", err)
			m.analyses = make(map[string]analysisEntry)
		}
	}
	if raw, ok := values[ErrorLogsKey]; ok {
		if err := json.Unmarshal(raw, &m.errorLogs); err != nil {
			m.logger.Warn("discarding undecodable error log", "error", err)
			m.errorLogs = nil
		}
	}
	if m.predictions == nil {
		m.predictions = make(map[string]domain.CacheEntry)
	}
	if m.analyses == nil {
		m.analyses = make(map[string]analysisEntry)
	}

	m.logger.Info("cache state loaded",
		"predictions", len(m.predictions),
		"analyses", len(m.analyses),
		"errors", len(m.errorLogs))
	return nil
}

func (m *Manager) expired(timestamp int64, ttl time.Duration) bool {
	return m.now().Sub(time.UnixMilli(timestamp)) > ttl
}

// GetPrediction returns the cached entry for fv. Expired entries count as a
// miss but stay in place until the next sweep.
func (m *Manager) GetPrediction(fv domain.FeatureVector) (domain.CacheEntry, bool) {
	key := fv.Fingerprint()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.predictions[key]
	if !exists || m.expired(entry.Timestamp, m.cfg.TTL) {
		m.misses++
		return domain.CacheEntry{}, false
	}

	m.hits++
	return entry, true
}

// SetPrediction stores entry under the fingerprint of fv. An entry older than
// the one already cached is dropped.
func (m *Manager) SetPrediction(ctx context.Context, fv domain.FeatureVector, entry domain.CacheEntry) {
	key := fv.Fingerprint()

	m.mutex.Lock()
	if existing, ok := m.predictions[key]; ok {
		if existing.Timestamp > entry.Timestamp {
			m.mutex.Unlock()
			return
		}
	} else if len(m.predictions) >= m.cfg.MaxEntries {
		evictOldest(m.predictions, func(e domain.CacheEntry) int64 { return e.Timestamp })
	}
	m.predictions[key] = entry
	m.mutex.Unlock()

	m.persist(ctx, PredictionCacheKey)
}

// GetAnalysis returns a cached aggregate result
func (m *Manager) GetAnalysis(key string) (domain.AnalysisResult, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.analyses[key]
	if !exists || m.expired(entry.Timestamp, m.cfg.TTL) {
		return domain.AnalysisResult{}, false
	}
	return entry.Result, true
}

// SetAnalysis caches an aggregate result
func (m *Manager) SetAnalysis(ctx context.Context, key string, result domain.AnalysisResult) {
	m.mutex.Lock()
	if _, ok := m.analyses[key]; !ok && len(m.analyses) >= m.cfg.MaxEntries {
		evictOldest(m.analyses, func(e analysisEntry) int64 { return e.Timestamp })
	}
	m.analyses[key] = analysisEntry{Result: result, Timestamp: m.now().UnixMilli()}
	m.mutex.Unlock()

	m.persist(ctx, AnalysisCacheKey)
}

// evictOldest removes the entry with the smallest timestamp
func evictOldest[V any](entries map[string]V, timestamp func(V) int64) {
	var oldestKey string
	var oldest int64
	first := true
	for key, entry := range entries {
		ts := timestamp(entry)
		if first || ts < oldest || (ts == oldest && key < oldestKey) {
			oldestKey, oldest, first = key, ts, false
		}
	}
	if !first {
		delete(entries, oldestKey)
	}
}

// CleanupExpiredEntries drops expired predictions and analyses plus error log
// entries past their retention, then persists. Returns the number removed.
func (m *Manager) CleanupExpiredEntries(ctx context.Context) int {
	m.mutex.Lock()
	removed := 0
	for key, entry := range m.predictions {
		if m.expired(entry.Timestamp, m.cfg.TTL) {
			delete(m.predictions, key)
			removed++
		}
	}
	for key, entry := range m.analyses {
		if m.expired(entry.Timestamp, m.cfg.TTL) {
			delete(m.analyses, key)
			removed++
		}
	}
	kept := m.errorLogs[:0]
	for _, entry := range m.errorLogs {
		if m.expired(entry.Timestamp, m.cfg.ErrorLogTTL) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.errorLogs = kept
	m.mutex.Unlock()

	m.persist(ctx, PredictionCacheKey, AnalysisCacheKey, ErrorLogsKey)

	if removed > 0 {
		m.logger.Debug("expired cache entries removed", "count", removed)
	}
	return removed
}

// Stats reports cache size and aggregate counters
func (m *Manager) Stats() domain.CacheStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats := domain.CacheStats{
		CacheSize:    len(m.predictions),
		AnalysisSize: len(m.analyses),
		ErrorCount:   len(m.errorLogs),
	}
	if lookups := m.hits + m.misses; lookups > 0 {
		stats.HitRate = float64(m.hits) / float64(lookups)
		stats.ErrorRate = float64(m.failures) / float64(lookups)
	}
	return stats
}

// Size returns the number of cached predictions, expired ones included
func (m *Manager) Size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.predictions)
}

// Clear removes everything and resets the counters
func (m *Manager) Clear(ctx context.Context) {
	m.mutex.Lock()
	m.predictions = make(map[string]domain.CacheEntry)
	m.analyses = make(map[string]analysisEntry)
	m.errorLogs = nil
	m.hits, m.misses, m.failures = 0, 0, 0
	m.mutex.Unlock()

	m.persist(ctx, PredictionCacheKey, AnalysisCacheKey, ErrorLogsKey)
}

// persist writes the named snapshots. Failures are logged and recorded; the
// in-memory state stays authoritative for this cycle.
func (m *Manager) persist(ctx context.Context, keys ...string) {
	m.persistMutex.Lock()
	defer m.persistMutex.Unlock()

	values, err := m.snapshot(keys...)
	if err == nil {
		err = m.store.Set(ctx, values)
	}
	if err == nil {
		return
	}

	m.logger.Error("failed to persist cache state", "keys", keys, "error", err)
	for _, key := range keys {
		if key == ErrorLogsKey {
			return
		}
	}
	m.appendError(err.Error(), map[string]any{"stage": "persist", "keys": keys})
}

func (m *Manager) snapshot(keys ...string) (map[string][]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var v any
		switch key {
		case PredictionCacheKey:
			v = m.predictions
		case AnalysisCacheKey:
			v = m.analyses
		case ErrorLogsKey:
			v = m.errorLogs
		default:
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		values[key] = raw
	}
	return values, nil
}
