package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/generator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/segment"
)

const testDataset = "ds-test"

type testEnv struct {
	server *Server
	repo   domain.Repository
	cache  *cache.LRUCache
	bus    *bus.ChannelBus
	txs    []*domain.Transaction
}

// createTestServer wires a server over SQLite, the LRU cache and the
// channel bus, seeded with a generated dataset.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Pipeline.DatasetID = testDataset

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	gen := cfg.Generator
	gen.Records = 300
	gen.EndDate = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	txs := generator.New(gen, 42).Generate()
	if err := repo.SaveTransactions(context.Background(), testDataset, txs); err != nil {
		t.Fatalf("failed to seed transactions: %v", err)
	}

	segments, err := segment.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create segment engine: %v", err)
	}

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() {
		eventBus.Close()
		repo.Close()
	})

	return &testEnv{
		server: NewServer(cfg, repo, lru, eventBus, segments, "test-v1"),
		repo:   repo,
		cache:  lru,
		bus:    eventBus,
		txs:    txs,
	}
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DatasetIDHeader, testDataset)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/health", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/ready", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(http.MethodGet, "/ready", nil)
		rr := env.do(http.MethodGet, "/metrics", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("kestrel_http_requests_total")) {
			t.Error("expected request counter in metrics output")
		}
	})
}

func TestRunEndpoints(t *testing.T) {
	env := createTestServer(t)

	requests := make(chan domain.RunRequest, 4)
	_, err := env.bus.Subscribe(context.Background(), testDataset, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
		var req domain.RunRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		requests <- req
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var accepted RunAccepted

	t.Run("CreateRun", func(t *testing.T) {
		body, _ := json.Marshal(domain.RunRequest{NumTrees: 5, Records: 500})
		rr := env.do(http.MethodPost, "/runs", body)

		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &accepted); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if accepted.RunID == "" {
			t.Fatal("expected run ID")
		}
		if accepted.Status != domain.RunPending {
			t.Errorf("expected status pending, got %s", accepted.Status)
		}

		select {
		case req := <-requests:
			if req.RunID != accepted.RunID {
				t.Errorf("expected published run %s, got %s", accepted.RunID, req.RunID)
			}
			if req.NumTrees != 5 {
				t.Errorf("expected 5 trees, got %d", req.NumTrees)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for run request")
		}
	})

	t.Run("CreateRunEmptyBody", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/runs", nil)
		if rr.Code != http.StatusAccepted {
			t.Errorf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		<-requests
	})

	t.Run("CreateRunInvalid", func(t *testing.T) {
		body, _ := json.Marshal(domain.RunRequest{NumTrees: 5000})
		rr := env.do(http.MethodPost, "/runs", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}

		rr = env.do(http.MethodPost, "/runs", []byte("{not json"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad JSON, got %d", rr.Code)
		}
	})

	t.Run("GetPendingRun", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/runs/"+accepted.RunID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var run domain.PipelineRun
		json.Unmarshal(rr.Body.Bytes(), &run)
		if run.Status != domain.RunPending {
			t.Errorf("expected pending run, got %s", run.Status)
		}
		if run.NumTrees != 5 {
			t.Errorf("expected 5 trees, got %d", run.NumTrees)
		}

		cached, _ := env.cache.GetRun(context.Background(), testDataset, accepted.RunID)
		if cached != nil {
			t.Error("expected pending run to stay out of the cache")
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/runs?limit=10", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Runs  []domain.PipelineRun `json:"runs"`
			Count int                  `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 runs, got %d", resp.Count)
		}

		rr = env.do(http.MethodGet, "/runs?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/runs/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("FinishedRunFeatures", func(t *testing.T) {
		run := &domain.PipelineRun{
			ID:        "done-1",
			DatasetID: testDataset,
			Status:    domain.RunSucceeded,
			CreatedAt: time.Now().UTC(),
			TopFeatures: []domain.FeatureImportance{
				{Rank: 1, Feature: "transaction_amount", Importance: 0.4},
				{Rank: 2, Feature: "user_age", Importance: 0.3},
				{Rank: 3, Feature: "device_type_Mobile", Importance: 0.1},
			},
		}
		if err := env.repo.SaveRun(context.Background(), testDataset, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		rr := env.do(http.MethodGet, "/runs/done-1/features?top=2", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp FeaturesResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Features) != 2 {
			t.Fatalf("expected 2 features, got %d", len(resp.Features))
		}
		if resp.Features[0].Feature != "transaction_amount" {
			t.Errorf("expected transaction_amount first, got %s", resp.Features[0].Feature)
		}

		cached, _ := env.cache.GetRun(context.Background(), testDataset, "done-1")
		if cached == nil {
			t.Error("expected finished run to be cached")
		}
	})
}

func TestRunDelivery(t *testing.T) {
	t.Run("UnservedDatasetRejected", func(t *testing.T) {
		env := createTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set(DatasetIDHeader, "not-served")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
		runs, err := env.repo.ListRuns(context.Background(), "not-served", 10)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("expected no run record, got %d", len(runs))
		}
	})

	t.Run("ConfiguredRunDatasets", func(t *testing.T) {
		env := createTestServer(t)
		cfg := domain.DefaultConfig()
		cfg.Pipeline.DatasetID = "other"
		cfg.Server.RunDatasets = []string{testDataset}
		env.server = NewServer(cfg, env.repo, env.cache, env.bus, nil, "test-v1")

		rr := env.do(http.MethodPost, "/runs", nil)
		if rr.Code != http.StatusAccepted {
			t.Errorf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	// undelivered posts a run and expects the record to end up failed.
	undelivered := func(t *testing.T, env *testEnv) bool {
		t.Helper()
		rr := env.do(http.MethodPost, "/runs", nil)
		if rr.Code == http.StatusAccepted {
			return false
		}
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		run, err := env.repo.GetRun(context.Background(), testDataset, resp["runId"])
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status != domain.RunFailed {
			t.Errorf("expected undelivered run to be failed, got %s", run.Status)
		}
		if run.Error == "" {
			t.Error("expected an error on the undelivered run")
		}
		return true
	}

	t.Run("ClosedBusMarksRunFailed", func(t *testing.T) {
		env := createTestServer(t)
		env.bus.Close()

		if !undelivered(t, env) {
			t.Fatal("expected the run to be rejected on a closed bus")
		}
	})

	t.Run("FullBufferMarksRunFailed", func(t *testing.T) {
		env := createTestServer(t)
		cfg := domain.DefaultConfig()
		cfg.Pipeline.DatasetID = testDataset

		small := bus.NewChannelBus(1)
		release := make(chan struct{})
		t.Cleanup(func() {
			close(release)
			small.Close()
		})
		_, err := small.Subscribe(context.Background(), testDataset, domain.TopicRunRequested, func(ctx context.Context, msg *domain.Message) error {
			<-release
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		env.server = NewServer(cfg, env.repo, env.cache, small, nil, "test-v1")

		// One request blocks the handler and one fills the buffer.
		for i := 0; i < 3; i++ {
			if undelivered(t, env) {
				return
			}
		}
		t.Fatal("expected a run to be dropped on a full buffer")
	})
}

func TestAggregationEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("MeanByCountry", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/aggregations?by=country&measure=fraud_flag", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp AggregationResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Rows != len(env.txs) {
			t.Errorf("expected %d rows, got %d", len(env.txs), resp.Rows)
		}

		g, _ := aggregate.ByColumn(domain.ColCountry)
		want := aggregate.Mean(env.txs, g, aggregate.FraudRate)
		if len(resp.Result.Groups) != len(want.Groups) {
			t.Fatalf("expected %d groups, got %d", len(want.Groups), len(resp.Result.Groups))
		}
		for i, group := range resp.Result.Groups {
			if group.Label() != want.Groups[i].Label() || group.Rows != want.Groups[i].Rows {
				t.Errorf("group %d: expected %s/%d, got %s/%d", i, want.Groups[i].Label(), want.Groups[i].Rows, group.Label(), group.Rows)
			}
		}

		key := aggregationKey(1, "country", "fraud_flag", "")
		if data, _ := env.cache.Get(context.Background(), testDataset, key); data == nil {
			t.Error("expected aggregation to be cached")
		}
	})

	t.Run("CountWithSegment", func(t *testing.T) {
		rr := env.do(http.MethodGet, `/aggregations?by=device_type&where=country+%3D%3D+%22Nigeria%22`, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		want := 0
		for _, tx := range env.txs {
			if tx.Country == "Nigeria" {
				want++
			}
		}

		var resp AggregationResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Rows != want {
			t.Errorf("expected %d rows, got %d", want, resp.Rows)
		}
		if resp.Result.Measure != "" {
			t.Errorf("expected count result, got measure %s", resp.Result.Measure)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			name   string
			target string
			status int
		}{
			{"missing by", "/aggregations?measure=fraud_flag", http.StatusBadRequest},
			{"unknown column", "/aggregations?by=city", http.StatusUnprocessableEntity},
			{"bad measure", "/aggregations?by=country&measure=country", http.StatusUnprocessableEntity},
			{"bad segment", "/aggregations?by=country&where=transaction_amount", http.StatusUnprocessableEntity},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(http.MethodGet, tt.target, nil)
				if rr.Code != tt.status {
					t.Errorf("expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("ReloadInvalidatesCachedResult", func(t *testing.T) {
		ctx := context.Background()
		target := "/aggregations?by=country&measure=fraud_flag"

		before := env.do(http.MethodGet, target, nil)
		if before.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", before.Code)
		}

		// Same row count as the seeded dataset, very different rates.
		gen := domain.DefaultConfig().Generator
		gen.Records = len(env.txs)
		gen.FraudRate = 0.9
		gen.EndDate = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
		reloaded := generator.New(gen, 7).Generate()
		if err := env.repo.SaveTransactions(ctx, testDataset, reloaded); err != nil {
			t.Fatalf("SaveTransactions failed: %v", err)
		}

		rr := env.do(http.MethodGet, target, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if bytes.Equal(before.Body.Bytes(), rr.Body.Bytes()) {
			t.Fatal("expected a fresh result after reload, got the cached one")
		}

		var resp AggregationResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)

		g, _ := aggregate.ByColumn(domain.ColCountry)
		want := aggregate.Mean(reloaded, g, aggregate.FraudRate)
		for _, group := range resp.Result.Groups {
			mean, ok := want.Value(group.Label())
			if !ok {
				continue
			}
			if math.Abs(mean-group.Mean) > 1e-9 {
				t.Errorf("group %s: expected rate %.4f, got %.4f", group.Label(), mean, group.Mean)
			}
		}

		if err := env.repo.DeleteDataset(ctx, testDataset); err != nil {
			t.Fatalf("DeleteDataset failed: %v", err)
		}
		rr = env.do(http.MethodGet, target, nil)
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Rows != 0 {
			t.Errorf("expected 0 rows after delete, got %d", resp.Rows)
		}
	})
}

func TestDatasetEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("GroupRates", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/rates?column=device_type&measure=verification_success", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Groups []domain.GroupRate `json:"groups"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)

		g, _ := aggregate.ByColumn(domain.ColDeviceType)
		want := aggregate.Mean(env.txs, g, aggregate.VerificationRate)
		for _, rate := range resp.Groups {
			mean, ok := want.Value(rate.Key)
			if !ok {
				t.Errorf("group %s missing from engine result", rate.Key)
				continue
			}
			if math.Abs(mean-rate.Mean) > 1e-9 {
				t.Errorf("group %s: engine %.6f, store %.6f", rate.Key, mean, rate.Mean)
			}
		}

		rr = env.do(http.MethodGet, "/rates?column=user_age&measure=fraud_flag", nil)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("CountAndDelete", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/dataset", nil)

		var info DatasetInfo
		json.Unmarshal(rr.Body.Bytes(), &info)
		if info.Rows != len(env.txs) {
			t.Errorf("expected %d rows, got %d", len(env.txs), info.Rows)
		}

		rr = env.do(http.MethodDelete, "/dataset", nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}

		rr = env.do(http.MethodGet, "/dataset", nil)
		json.Unmarshal(rr.Body.Bytes(), &info)
		if info.Rows != 0 {
			t.Errorf("expected empty dataset, got %d rows", info.Rows)
		}
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", fmt.Errorf("lookup: %w", domain.ErrNotFound), http.StatusNotFound},
		{"invalid input", domain.ErrInvalidInput, http.StatusBadRequest},
		{"schema", domain.NewSchemaError("country", "Atlantis", "unknown category"), http.StatusUnprocessableEntity},
		{"insufficient", &domain.InsufficientDataError{Reason: "empty"}, http.StatusUnprocessableEntity},
		{"storage", &domain.StorageError{Op: "scan", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)
			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("DatasetMiddlewareExtractsID", func(t *testing.T) {
		var captured string

		handler := DatasetMiddleware("fallback")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetDatasetID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DatasetIDHeader, "my-dataset-123")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if captured != "my-dataset-123" {
			t.Errorf("expected dataset ID 'my-dataset-123', got '%s'", captured)
		}

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if captured != "fallback" {
			t.Errorf("expected dataset ID 'fallback', got '%s'", captured)
		}
	})

	t.Run("DatasetMiddlewareRequiresID", func(t *testing.T) {
		handler := DatasetMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/runs", nil))

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
