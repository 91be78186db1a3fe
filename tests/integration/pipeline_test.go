//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel
// server started with `kestrel serve`.
//
// These tests drive the COMPLETE pipeline through the HTTP API:
//
//	POST /runs → worker → generate → load → summary → analysis → report
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server must run its workers (no --no-worker flag) and subscribe to
// the dataset used here, e.g. `kestrel serve --datasets integration-test`.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL   string
	DatasetID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	datasetID := os.Getenv("KESTREL_TEST_DATASET")
	if datasetID == "" {
		datasetID = "integration-test"
	}
	return TestConfig{
		BaseURL:   baseURL,
		DatasetID: datasetID,
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

type RunRequest struct {
	Seed     *uint64 `json:"seed,omitempty"`
	NumTrees int     `json:"numTrees,omitempty"`
	Records  int     `json:"records,omitempty"`
}

type RunAccepted struct {
	RunID     string `json:"runId"`
	DatasetID string `json:"datasetId"`
	Status    string `json:"status"`
}

type StageTiming struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type FeatureImportance struct {
	Rank       int     `json:"rank"`
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

type PipelineRun struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Stages      []StageTiming       `json:"stages"`
	FailedStage string              `json:"failedStage"`
	Error       string              `json:"error"`
	Accuracy    float64             `json:"accuracy"`
	TopFeatures []FeatureImportance `json:"topFeatures"`
}

type Group struct {
	Key     []string `json:"key"`
	Rows    int      `json:"rows"`
	Mean    float64  `json:"mean"`
	Defined bool     `json:"defined"`
}

type AggregationResponse struct {
	Rows   int `json:"rows"`
	Result struct {
		Dimensions []string `json:"dimensions"`
		Groups     []Group  `json:"groups"`
	} `json:"result"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dataset-ID", config.DatasetID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
}

// waitForRun polls GET /runs/{id} until the run leaves pending/running.
func waitForRun(t *testing.T, config TestConfig, runID string) PipelineRun {
	t.Helper()

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		status, body := call(t, config, http.MethodGet, "/runs/"+runID, nil)
		if status != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", status, string(body))
		}

		var run PipelineRun
		decode(t, body, &run)
		if run.Status == "succeeded" || run.Status == "failed" {
			return run
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatalf("run %s did not finish in time", runID)
	return PipelineRun{}
}

// ============================================================================
// SCENARIO 1: Full pipeline run
// ============================================================================

func TestPipelineRun_Succeeds(t *testing.T) {
	/*
	   SCENARIO: Request a small run (2 000 records, 10 trees, seed 42)

	   EXPECTED BEHAVIOR:
	   - The request is accepted with 202 and a pending run ID
	   - A worker executes all five stages in order
	   - The run record carries an accuracy and the top features
	*/
	config := getTestConfig()
	seed := uint64(42)

	status, body := call(t, config, http.MethodPost, "/runs", RunRequest{Seed: &seed, NumTrees: 10, Records: 2000})
	if status != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", status, string(body))
	}

	var accepted RunAccepted
	decode(t, body, &accepted)
	if accepted.Status != "pending" {
		t.Errorf("Expected pending status, got %s", accepted.Status)
	}

	run := waitForRun(t, config, accepted.RunID)

	// ASSERTIONS
	if run.Status != "succeeded" {
		t.Fatalf("Expected succeeded run, got %s (stage %s: %s)", run.Status, run.FailedStage, run.Error)
	}

	want := []string{"generate", "load", "summary", "analysis", "report"}
	if len(run.Stages) != len(want) {
		t.Fatalf("Expected %d stages, got %d", len(want), len(run.Stages))
	}
	for i, stage := range run.Stages {
		if stage.Stage != want[i] {
			t.Errorf("Stage %d: expected %s, got %s", i, want[i], stage.Stage)
		}
		if stage.Status != "completed" {
			t.Errorf("Stage %s: expected completed, got %s", stage.Stage, stage.Status)
		}
	}

	if run.Accuracy <= 0 || run.Accuracy > 1 {
		t.Errorf("Expected accuracy in (0, 1], got %.4f", run.Accuracy)
	}
	if len(run.TopFeatures) == 0 {
		t.Error("Expected top features on the run record")
	}

	status, body = call(t, config, http.MethodGet, "/runs/"+run.ID+"/features?top=3", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}
	var features struct {
		Features []FeatureImportance `json:"features"`
	}
	decode(t, body, &features)
	if len(features.Features) != 3 {
		t.Errorf("Expected 3 features, got %d", len(features.Features))
	}
}

// ============================================================================
// SCENARIO 2: Aggregations over the loaded dataset
// ============================================================================

func TestAggregation_FraudRateByCountry(t *testing.T) {
	/*
	   SCENARIO: After a run, query the fraud rate per country

	   EXPECTED BEHAVIOR:
	   - Every declared country is reported
	   - Group rows add up to the dataset size
	   - A segment predicate only narrows the rows
	*/
	config := getTestConfig()

	status, body := call(t, config, http.MethodGet, "/aggregations?by=country&measure=fraud_flag", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var all AggregationResponse
	decode(t, body, &all)
	if all.Rows == 0 {
		t.Skip("dataset is empty; run TestPipelineRun_Succeeds first")
	}

	total := 0
	for _, g := range all.Result.Groups {
		total += g.Rows
		if g.Defined && (g.Mean < 0 || g.Mean > 1) {
			t.Errorf("Group %v: rate %.4f out of range", g.Key, g.Mean)
		}
	}
	if total != all.Rows {
		t.Errorf("Expected group rows to sum to %d, got %d", all.Rows, total)
	}

	where := url.QueryEscape(`transaction_amount > 500.0`)
	status, body = call(t, config, http.MethodGet, fmt.Sprintf("/aggregations?by=device_type&where=%s", where), nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var segment AggregationResponse
	decode(t, body, &segment)
	if segment.Rows >= all.Rows {
		t.Errorf("Expected segment to narrow %d rows, got %d", all.Rows, segment.Rows)
	}
}

// ============================================================================
// SCENARIO 3: Rejected requests
// ============================================================================

func TestInvalidRequests(t *testing.T) {
	config := getTestConfig()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"too many trees", http.MethodPost, "/runs", RunRequest{NumTrees: 5000}, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/runs/does-not-exist", nil, http.StatusNotFound},
		{"unknown grouping", http.MethodGet, "/aggregations?by=city", nil, http.StatusUnprocessableEntity},
		{"non-boolean segment", http.MethodGet, "/aggregations?by=country&where=user_age", nil, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, config, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, status, string(body))
			}
		})
	}
}
