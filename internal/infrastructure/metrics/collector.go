package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenscore/backend/internal/domain"
)

const namespace = "greenscore"

// Collector exposes analysis throughput plus cache and model state to Prometheus.
// Counters move on every analysis; gauges move on Refresh.
type Collector struct {
	registry *prometheus.Registry

	analyses *prometheus.CounterVec
	scores   prometheus.Histogram
	latency  prometheus.Histogram

	cacheSize    prometheus.Gauge
	analysisSize prometheus.Gauge
	hitRate      prometheus.Gauge
	errorRate    prometheus.Gauge
	errorCount   prometheus.Gauge

	dataPoints    prometheus.Gauge
	accuracy      prometheus.Gauge
	trainingCount prometheus.Gauge
	lastTraining  prometheus.Gauge
	predictions   prometheus.Gauge
}

// NewCollector registers every metric on a private registry
func NewCollector() *Collector {
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed product analyses by score source.",
		}, []string{"source"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "overall_score",
			Help:      "Distribution of overall sustainability scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent producing an analysis.",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheSize:     gauge("cache", "predictions", "Prediction cache entries."),
		analysisSize:  gauge("cache", "analyses", "Analysis cache entries."),
		hitRate:       gauge("cache", "hit_ratio", "Prediction cache hit ratio since the last clear."),
		errorRate:     gauge("cache", "error_ratio", "Logged failures per prediction lookup since the last clear."),
		errorCount:    gauge("errors", "logged", "Entries in the error log."),
		dataPoints:    gauge("model", "training_samples", "Samples in the training set."),
		accuracy:      gauge("model", "accuracy", "Running model accuracy."),
		trainingCount: gauge("model", "trainings", "Completed training runs."),
		lastTraining:  gauge("model", "last_training_timestamp_seconds", "Unix time of the last training run."),
		predictions:   gauge("model", "predictions", "Model inferences since start."),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.analyses, c.scores, c.latency,
		c.cacheSize, c.analysisSize, c.hitRate, c.errorRate, c.errorCount,
		c.dataPoints, c.accuracy, c.trainingCount, c.lastTraining, c.predictions,
	)
	return c
}

// ObserveAnalysis records one completed analysis
func (c *Collector) ObserveAnalysis(source domain.ScoreSource, score float64, elapsed time.Duration) {
	c.analyses.WithLabelValues(string(source)).Inc()
	c.scores.Observe(score)
	c.latency.Observe(elapsed.Seconds())
}

// Refresh copies cache and model aggregates into the gauges
func (c *Collector) Refresh(stats domain.CacheStats, model domain.ModelMetrics) {
	c.cacheSize.Set(float64(stats.CacheSize))
	c.analysisSize.Set(float64(stats.AnalysisSize))
	c.hitRate.Set(stats.HitRate)
	c.errorRate.Set(stats.ErrorRate)
	c.errorCount.Set(float64(stats.ErrorCount))

	c.dataPoints.Set(float64(model.DataPoints))
	c.accuracy.Set(model.Accuracy)
	c.trainingCount.Set(float64(model.TrainingCount))
	c.predictions.Set(float64(model.Predictions))
	if model.LastTraining > 0 {
		c.lastTraining.Set(float64(model.LastTraining) / 1000)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
