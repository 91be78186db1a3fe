package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/segment"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Handler holds dependencies for API handlers.
type Handler struct {
	cfg      *domain.Config
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	segments *segment.Engine
	validate *validator.Validate
	version  string
	now      func() time.Time

	// runDatasets accept POST /runs; requests for others would never be
	// picked up by a worker.
	runDatasets map[string]struct{}
}

// NewHandler creates a new API handler. cache, bus and segments may be nil.
func NewHandler(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus, segments *segment.Engine, version string) *Handler {
	return &Handler{
		cfg:      cfg,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		segments: segments,
		validate: validator.New(),
		version:  version,
		now:      time.Now,

		runDatasets: datasetSet(cfg.ServedDatasets()),
	}
}

func datasetSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// RunAccepted is the response for POST /runs.
type RunAccepted struct {
	RunID     string           `json:"runId"`
	DatasetID string           `json:"datasetId"`
	Status    domain.RunStatus `json:"status"`
	TraceID   string           `json:"traceId,omitempty"`
}

// FeaturesResponse is the response for GET /runs/{id}/features.
type FeaturesResponse struct {
	RunID    string                     `json:"runId"`
	Status   domain.RunStatus           `json:"status"`
	Features []domain.FeatureImportance `json:"features"`
}

// AggregationResponse is the response for GET /aggregations.
type AggregationResponse struct {
	DatasetID string            `json:"datasetId"`
	By        string            `json:"by"`
	Measure   string            `json:"measure,omitempty"`
	Where     string            `json:"where,omitempty"`
	Rows      int               `json:"rows"`
	Result    *aggregate.Result `json:"result"`
}

// DatasetInfo is the response for GET /dataset.
type DatasetInfo struct {
	DatasetID string `json:"datasetId"`
	Rows      int    `json:"rows"`
}

// CreateRun handles POST /runs. The run is recorded as pending and
// handed to the workers over the event bus.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}
	if _, ok := h.runDatasets[datasetID]; !ok {
		writeError(w, fmt.Errorf("%w: no worker serves runs for dataset %s", domain.ErrNotFound, datasetID))
		return
	}

	req.RunID = uuid.New().String()
	plan := pipeline.PlanFor(h.cfg, datasetID, req)
	run := pipeline.NewRunRecord(plan, h.now())

	if err := h.repo.SaveRun(ctx, datasetID, run); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, fmt.Errorf("failed to marshal run request: %w", err))
		return
	}
	if err := h.bus.Publish(ctx, datasetID, domain.TopicRunRequested, payload); err != nil {
		slog.Error("failed to publish run request",
			"run_id", run.ID,
			"dataset_id", datasetID,
			"error", err,
		)

		run.Status = domain.RunFailed
		run.Error = fmt.Sprintf("run request not delivered: %v", err)
		run.CompletedAt = h.now().UTC()
		if serr := h.repo.SaveRun(context.WithoutCancel(ctx), datasetID, run); serr != nil {
			slog.Error("failed to mark undelivered run", "run_id", run.ID, "error", serr)
		}

		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to enqueue run",
			"runId": run.ID,
		})
		return
	}

	slog.Info("run enqueued",
		"run_id", run.ID,
		"dataset_id", datasetID,
		"seed", plan.Pipeline.Seed,
		"num_trees", plan.Pipeline.NumTrees,
	)

	writeJSON(w, http.StatusAccepted, RunAccepted{
		RunID:     run.ID,
		DatasetID: datasetID,
		Status:    run.Status,
		TraceID:   GetTraceID(ctx),
	})
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	limit = min(limit, maxListLimit)

	runs, err := h.repo.ListRuns(ctx, datasetID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.PipelineRun{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookupRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunFeatures handles GET /runs/{id}/features?top=N.
func (h *Handler) GetRunFeatures(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookupRun(r)
	if err != nil {
		writeError(w, err)
		return
	}

	top, err := intParam(r, "top", h.cfg.Pipeline.TopN)
	if err != nil {
		writeError(w, err)
		return
	}

	features := run.TopFeatures
	if len(features) > top {
		features = features[:top]
	}
	if features == nil {
		features = []domain.FeatureImportance{}
	}

	writeJSON(w, http.StatusOK, FeaturesResponse{
		RunID:    run.ID,
		Status:   run.Status,
		Features: features,
	})
}

// lookupRun reads a run through the cache. Only finished runs are
// cached since pending ones still change.
func (h *Handler) lookupRun(r *http.Request) (*domain.PipelineRun, error) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)
	runID := chi.URLParam(r, "id")

	if h.cache != nil {
		run, err := h.cache.GetRun(ctx, datasetID, runID)
		if err != nil {
			slog.Warn("run cache read failed", "run_id", runID, "error", err)
		}
		if run != nil {
			return run, nil
		}
	}

	run, err := h.repo.GetRun(ctx, datasetID, runID)
	if err != nil {
		return nil, err
	}

	if h.cache != nil && (run.Status == domain.RunSucceeded || run.Status == domain.RunFailed) {
		if err := h.cache.SetRun(ctx, datasetID, run, h.cfg.Cache.ResultTTL); err != nil {
			slog.Warn("run cache write failed", "run_id", runID, "error", err)
		}
	}
	return run, nil
}

// Aggregate handles GET /aggregations?by=&measure=&where=. Without a
// measure the groups carry row counts only.
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)
	q := r.URL.Query()

	by := strings.TrimSpace(q.Get("by"))
	measure := strings.TrimSpace(q.Get("measure"))
	where := strings.TrimSpace(q.Get("where"))

	if by == "" {
		writeError(w, fmt.Errorf("%w: by is required", domain.ErrInvalidInput))
		return
	}

	grouping, err := aggregate.Parse(by)
	if err != nil {
		writeError(w, err)
		return
	}

	var m aggregate.Measure
	if measure != "" {
		if m, err = aggregate.MeasureColumn(measure); err != nil {
			writeError(w, err)
			return
		}
	}

	var predicate *segment.Predicate
	if where != "" {
		if h.segments == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "segment engine not available",
			})
			return
		}
		if predicate, err = h.segments.Compile(where); err != nil {
			writeError(w, err)
			return
		}
	}

	version, err := h.repo.DatasetVersion(ctx, datasetID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Every load or delete bumps the version, so earlier entries miss.
	key := aggregationKey(version, by, measure, where)
	if h.cache != nil {
		if data, err := h.cache.Get(ctx, datasetID, key); err == nil && data != nil {
			var cached AggregationResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}
	}

	txs, err := h.repo.ScanTransactions(ctx, datasetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if predicate != nil {
		if txs, err = h.segments.Filter(ctx, predicate, txs); err != nil {
			writeError(w, err)
			return
		}
	}

	var result *aggregate.Result
	if measure == "" {
		result = aggregate.Count(txs, grouping)
	} else {
		result = aggregate.Mean(txs, grouping, m)
	}

	resp := AggregationResponse{
		DatasetID: datasetID,
		By:        by,
		Measure:   measure,
		Where:     where,
		Rows:      len(txs),
		Result:    result,
	}

	if h.cache != nil {
		if data, err := json.Marshal(resp); err == nil {
			if err := h.cache.Set(ctx, datasetID, key, data, h.cfg.Cache.ResultTTL); err != nil {
				slog.Warn("aggregation cache write failed", "dataset_id", datasetID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func aggregationKey(version int64, by, measure, where string) string {
	return fmt.Sprintf("agg:v%d:%s|%s|%s", version, by, measure, where)
}

// GroupRates handles GET /rates?column=&measure=, computed in the store.
func (h *Handler) GroupRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	rates, err := h.repo.GroupRates(ctx, GetDatasetID(ctx), q.Get("column"), q.Get("measure"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rates == nil {
		rates = []domain.GroupRate{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"column":  q.Get("column"),
		"measure": q.Get("measure"),
		"groups":  rates,
	})
}

// GetDataset handles GET /dataset.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	n, err := h.repo.CountTransactions(ctx, datasetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DatasetInfo{DatasetID: datasetID, Rows: n})
}

// DeleteDataset handles DELETE /dataset.
func (h *Handler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	datasetID := GetDatasetID(ctx)

	if err := h.repo.DeleteDataset(ctx, datasetID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("dataset deleted", "dataset_id", datasetID)
	w.WriteHeader(http.StatusNoContent)
}

// Health returns service health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns readiness status.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidInput, name)
	}
	return n, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		schemaErr       *domain.SchemaError
		insufficientErr *domain.InsufficientDataError
		storageErr      *domain.StorageError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.As(err, &schemaErr), errors.As(err, &insufficientErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &storageErr):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
