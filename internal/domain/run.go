package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Pipeline stage names, in execution order.
const (
	StageGenerate = "generate"
	StageLoad     = "load"
	StageSummary  = "summary"
	StageAnalysis = "analysis"
	StageReport   = "report"
)

// StageNames lists the stages in the order they run.
var StageNames = []string{StageGenerate, StageLoad, StageSummary, StageAnalysis, StageReport}

// StageTiming records the outcome of one stage.
type StageTiming struct {
	Stage      string    `json:"stage"`
	Status     string    `json:"status"` // "completed", "failed", "skipped"
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// PipelineRun is the persisted record of one pipeline execution.
type PipelineRun struct {
	ID          string              `json:"id"`
	DatasetID   string              `json:"datasetId"`
	Status      RunStatus           `json:"status"`
	Seed        uint64              `json:"seed"`
	NumTrees    int                 `json:"numTrees"`
	Records     int                 `json:"records"`
	Stages      []StageTiming       `json:"stages"`
	FailedStage string              `json:"failedStage,omitempty"`
	Error       string              `json:"error,omitempty"`
	Accuracy    float64             `json:"accuracy"`
	FraudF1     float64             `json:"fraudF1"`
	TopFeatures []FeatureImportance `json:"topFeatures,omitempty"`
	Report      json.RawMessage     `json:"report,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt time.Time           `json:"completedAt,omitempty"`
}

// RunRequest asks the worker to execute a pipeline run. Zero fields
// fall back to the configured pipeline defaults.
type RunRequest struct {
	RunID        string  `json:"runId"`
	Seed         *uint64 `json:"seed,omitempty"`
	NumTrees     int     `json:"numTrees,omitempty" validate:"gte=0,lte=1000"`
	Records      int     `json:"records,omitempty" validate:"gte=0,lte=5000000"`
	SkipGenerate bool    `json:"skipGenerate,omitempty"`
}

// RunEvent is published on stage and completion topics.
type RunEvent struct {
	RunID     string    `json:"runId"`
	DatasetID string    `json:"datasetId"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
