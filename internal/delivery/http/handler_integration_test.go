package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/greenscore/backend/config"
	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/infrastructure/cache"
	"github.com/greenscore/backend/internal/infrastructure/metrics"
	"github.com/greenscore/backend/internal/infrastructure/model"
	"github.com/greenscore/backend/internal/infrastructure/storage"
	"github.com/greenscore/backend/internal/logging"
	"github.com/greenscore/backend/internal/usecase"
)

// TestMain sets up test environment before running tests
func TestMain(m *testing.M) {
	// Set Gin to test mode once for all tests
	gin.SetMode(gin.TestMode)

	os.Exit(m.Run())
}

const ecoLaptopJSON = `{
	"title": "Eco laptop",
	"description": "Energy Star certified, made from recycled materials, 45W, 1.5kg",
	"price": 899,
	"url": "https://shop.example.com/eco-laptop"
}`

type testServer struct {
	router   *gin.Engine
	service  *usecase.ModelService
	cache    *cache.Manager
	recorder *metrics.Collector
}

// setupTestServer wires the real pipeline over an in-memory store
func setupTestServer(t *testing.T, perIP int) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           "8080",
			Environment:    "test",
			AllowedOrigins: []string{"chrome-extension://*", "http://localhost:3000"},
		},
		RateLimit: config.RateLimitConfig{PerIP: perIP},
	}

	store := storage.NewMemoryStore()
	manager := cache.NewManager(store, cache.Config{}, logging.Discard())
	collector := metrics.NewCollector()

	service := usecase.NewModelService(
		store,
		model.NewKVStore(store, "test"),
		manager,
		manager,
		usecase.NewFeatureEncoder(),
		func(inputSize int) domain.Model {
			return model.NewNetwork(inputSize, nil, model.DefaultDropout, 7)
		},
		usecase.ModelServiceConfig{
			Train: domain.TrainOptions{Epochs: 3, ValidationSplit: 0.2, LearningRate: 0.05},
		},
		logging.Discard(),
	)
	if err := service.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Close(ctx)
	})

	analyzer := usecase.NewAnalyzer(
		usecase.NewFeatureExtractor(nil),
		usecase.NewHeuristicScorer(nil),
		service,
		manager,
		collector,
		usecase.AnalyzerConfig{},
		logging.Discard(),
	)

	handler := NewHandler(analyzer, service, manager)
	router := SetupRouter(cfg, handler, collector.Handler(), logging.Discard())

	return &testServer{router: router, service: service, cache: manager, recorder: collector}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

// TestHealthCheckEndpoint tests the health check endpoint
func TestHealthCheckEndpoint(t *testing.T) {
	t.Run("returns healthy status", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("GET", "/health", "")
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
		}

		var response map[string]interface{}
		decode(t, w, &response)

		if response["status"] != "healthy" {
			t.Errorf("status = %v, want healthy", response["status"])
		}
		if response["service"] != "greenscore-backend" {
			t.Errorf("service = %v, want greenscore-backend", response["service"])
		}
		if response["model"] != "ready" {
			t.Errorf("model = %v, want ready", response["model"])
		}
	})

	t.Run("accepts GET requests only", func(t *testing.T) {
		server := setupTestServer(t, 0)

		for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
			w := server.do(method, "/health", "")
			if w.Code != http.StatusNotFound {
				t.Errorf("Method %s: Status = %d, want %d", method, w.Code, http.StatusNotFound)
			}
		}
	})
}

// TestAnalyzeEndpoint tests product analysis
func TestAnalyzeEndpoint(t *testing.T) {
	t.Run("scores a valid product", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("POST", "/api/v1/analyze", ecoLaptopJSON)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
		}

		var result domain.AnalysisResult
		decode(t, w, &result)

		if result.ID == "" {
			t.Errorf("id is empty")
		}
		if result.OverallScore < 0 || result.OverallScore > 1 {
			t.Errorf("overallScore = %v, want within [0,1]", result.OverallScore)
		}
		if result.Metrics.ProductType != domain.ProductTypeElectronics {
			t.Errorf("productType = %v, want electronics", result.Metrics.ProductType)
		}
		if result.Metrics.Source != domain.ScoreSourceModel {
			t.Errorf("source = %v, want model", result.Metrics.Source)
		}
		if result.Metrics.Weight != 1.5 || result.Metrics.EnergyConsumption != 45 {
			t.Errorf("weight/energy = %v/%v, want 1.5/45", result.Metrics.Weight, result.Metrics.EnergyConsumption)
		}
	})

	t.Run("repeat request is served from cache", func(t *testing.T) {
		server := setupTestServer(t, 0)

		first := server.do("POST", "/api/v1/analyze", ecoLaptopJSON)
		second := server.do("POST", "/api/v1/analyze", ecoLaptopJSON)

		var a, b domain.AnalysisResult
		decode(t, first, &a)
		decode(t, second, &b)

		if a.ID != b.ID {
			t.Errorf("second id = %s, want cached %s", b.ID, a.ID)
		}
		if b.Metrics.Source != domain.ScoreSourceCache {
			t.Errorf("source = %v, want cache", b.Metrics.Source)
		}
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"description":"a thing","price":3}`},
		{name: "blank title", body: `{"title":"   "}`},
		{name: "invalid JSON", body: `{"title":`},
		{name: "wrong type", body: `{"title":"Eco laptop","price":"cheap"}`},
	}
	for _, tt := range tests {
		t.Run("returns 400 for "+tt.name, func(t *testing.T) {
			server := setupTestServer(t, 0)

			w := server.do("POST", "/api/v1/analyze", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestFeedbackEndpoint tests ground-truth feedback
func TestFeedbackEndpoint(t *testing.T) {
	t.Run("accepts a labelled product", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("POST", "/api/v1/feedback", `{"product":`+ecoLaptopJSON+`,"score":0.9}`)
		if w.Code != http.StatusAccepted {
			t.Fatalf("Status = %d, want %d, body %s", w.Code, http.StatusAccepted, w.Body.String())
		}

		if got := server.service.GetModelMetrics().DataPoints; got != 1 {
			t.Errorf("dataPoints = %d, want 1", got)
		}
	})

	t.Run("rejects out of range score", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("POST", "/api/v1/feedback", `{"product":`+ecoLaptopJSON+`,"score":1.5}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestModelEndpoints tests model inspection and training
func TestModelEndpoints(t *testing.T) {
	t.Run("metrics report state", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("GET", "/api/v1/model/metrics", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}

		var response struct {
			State   string              `json:"state"`
			Metrics domain.ModelMetrics `json:"metrics"`
		}
		decode(t, w, &response)
		if response.State != "ready" {
			t.Errorf("state = %s, want ready", response.State)
		}
	})

	t.Run("train without data returns 422", func(t *testing.T) {
		server := setupTestServer(t, 0)

		w := server.do("POST", "/api/v1/model/train", "")
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
		}
	})

	t.Run("train records history", func(t *testing.T) {
		server := setupTestServer(t, 0)
		ctx := context.Background()

		extractor := usecase.NewFeatureExtractor(nil)
		for i := 0; i < 10; i++ {
			fv := extractor.Extract(domain.RawProduct{Title: "Bamboo desk", Price: float64(100 + i)})
			server.service.AddTrainingData(ctx, fv, 0.8)
		}
		if err := server.service.WaitForTraining(ctx); err != nil {
			t.Fatalf("WaitForTraining() error = %v", err)
		}

		w := server.do("POST", "/api/v1/model/train", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
		}

		w = server.do("GET", "/api/v1/model/history", "")
		var response struct {
			History []domain.TrainingRecord `json:"history"`
			Count   int                     `json:"count"`
		}
		decode(t, w, &response)
		// one background run after the tenth sample plus the explicit one
		if response.Count != 2 {
			t.Errorf("count = %d, want 2", response.Count)
		}
	})
}

// TestCacheEndpoints tests stats, error log and clearing
func TestCacheEndpoints(t *testing.T) {
	t.Run("stats reflect analyses and clear resets them", func(t *testing.T) {
		server := setupTestServer(t, 0)
		server.do("POST", "/api/v1/analyze", ecoLaptopJSON)

		var stats domain.CacheStats
		decode(t, server.do("GET", "/api/v1/stats", ""), &stats)
		if stats.CacheSize != 1 || stats.AnalysisSize != 1 {
			t.Errorf("sizes = %d/%d, want 1/1", stats.CacheSize, stats.AnalysisSize)
		}

		w := server.do("DELETE", "/api/v1/cache", "")
		if w.Code != http.StatusNoContent {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusNoContent)
		}

		decode(t, server.do("GET", "/api/v1/stats", ""), &stats)
		if stats.CacheSize != 0 || stats.AnalysisSize != 0 {
			t.Errorf("sizes after clear = %d/%d, want 0/0", stats.CacheSize, stats.AnalysisSize)
		}
	})

	t.Run("error log honours limit", func(t *testing.T) {
		server := setupTestServer(t, 0)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			server.cache.LogError(ctx, domain.ErrInferenceFailed, map[string]any{"stage": "inference"})
		}

		var response struct {
			Errors []domain.ErrorLogEntry `json:"errors"`
			Count  int                    `json:"count"`
		}
		decode(t, server.do("GET", "/api/v1/errors?limit=2", ""), &response)
		if response.Count != 2 || len(response.Errors) != 2 {
			t.Errorf("count = %d, want 2", response.Count)
		}

		w := server.do("GET", "/api/v1/errors?limit=abc", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestCORSIntegration tests CORS headers on real routes
func TestCORSIntegration(t *testing.T) {
	t.Run("health endpoint has CORS for Chrome extension", func(t *testing.T) {
		server := setupTestServer(t, 0)

		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "chrome-extension://abcdefghijklmnop")
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdefghijklmnop" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "chrome-extension://abcdefghijklmnop")
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
		}
	})

	t.Run("analyze preflight succeeds", func(t *testing.T) {
		server := setupTestServer(t, 0)

		req := httptest.NewRequest("OPTIONS", "/api/v1/analyze", nil)
		req.Header.Set("Origin", "chrome-extension://abcdefghijklmnop")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusNoContent)
		}
	})
}

// TestRecoveryMiddleware tests panic recovery
func TestRecoveryMiddleware(t *testing.T) {
	server := setupTestServer(t, 0)
	server.router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	w := server.do("GET", "/panic", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// TestAPIRateLimit tests the per-IP limiter on the v1 group
func TestAPIRateLimit(t *testing.T) {
	server := setupTestServer(t, 2)

	for i := 0; i < 2; i++ {
		if w := server.do("GET", "/api/v1/stats", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if w := server.do("GET", "/api/v1/stats", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w := server.do("GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want %d; health is not rate limited", w.Code, http.StatusOK)
	}
}

// TestMetricsEndpoint tests the Prometheus scrape endpoint
func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, 0)
	server.do("POST", "/api/v1/analyze", ecoLaptopJSON)

	w := server.do("GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `greenscore_analyses_total{source="model"} 1`) {
		t.Errorf("metrics body missing analysis counter")
	}
}

// TestJSONResponses tests that API responses are JSON
func TestJSONResponses(t *testing.T) {
	endpoints := []struct {
		method string
		path   string
		body   string
	}{
		{"GET", "/health", ""},
		{"POST", "/api/v1/analyze", ecoLaptopJSON},
		{"GET", "/api/v1/stats", ""},
		{"GET", "/api/v1/errors", ""},
		{"GET", "/api/v1/model/metrics", ""},
		{"GET", "/api/v1/model/history", ""},
	}

	for _, endpoint := range endpoints {
		t.Run(endpoint.method+" "+endpoint.path, func(t *testing.T) {
			server := setupTestServer(t, 0)

			w := server.do(endpoint.method, endpoint.path, endpoint.body)

			gotContentType := w.Header().Get("Content-Type")
			wantContentType := "application/json; charset=utf-8"
			if gotContentType != wantContentType {
				t.Errorf("Content-Type = %q, want %q", gotContentType, wantContentType)
			}
		})
	}
}
