package service

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/nmarkman/delivery-desk/internal/models"
)

// Error taxonomy for per-record sync failures.
const (
	ErrTypeValidation = "validation"
	ErrTypeDatabase   = "database"
	ErrTypeAPI        = "api"
	ErrTypeMapping    = "mapping"
)

const (
	StageOpportunities = "opportunities"
	StageLineItems     = "line_items"
	StageDeliverables  = "deliverables"
)

type SyncError struct {
	Type     string `json:"type"`
	Stage    string `json:"stage,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Message  string `json:"message"`
}

type StageResult struct {
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Succeeded is the majority-success criterion: a stage holds as long as
// fewer than half-or-all records failed outright.
func (r StageResult) Succeeded() bool {
	return r.Failed < r.Processed || r.Processed == 0
}

// SyncOperationResult aggregates one tenant pipeline run. Created at
// pipeline start, mutated only by the orchestrator, persisted once at
// completion.
type SyncOperationResult struct {
	Operation  string        `json:"operation"`
	BatchID    string        `json:"batch_id"`
	TenantID   string        `json:"tenant_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Stages   []StageResult `json:"stages"`
	Errors   []SyncError   `json:"errors"`
	Warnings []string      `json:"warnings"`

	Success bool `json:"success"`
}

func (r *SyncOperationResult) addStage(stage StageResult) {
	r.Stages = append(r.Stages, stage)
	r.Processed += stage.Processed
	r.Created += stage.Created
	r.Updated += stage.Updated
	r.Skipped += stage.Skipped
	r.Failed += stage.Failed
}

func (r *SyncOperationResult) addError(e SyncError) {
	r.Errors = append(r.Errors, e)
}

func (r *SyncOperationResult) addWarnings(ws []string) {
	r.Warnings = append(r.Warnings, ws...)
}

func (r *SyncOperationResult) toLog(connectionID uint64) *models.SyncLog {
	status := models.SyncLogStatusFailed
	if r.Success {
		status = models.SyncLogStatusSuccess
		for _, stage := range r.Stages {
			if !stage.Succeeded() {
				status = models.SyncLogStatusPartialSuccess
				break
			}
		}
	}
	finished := r.FinishedAt
	tenant := r.TenantID
	connID := connectionID
	return &models.SyncLog{
		BatchID:      r.BatchID,
		ConnectionID: &connID,
		TenantID:     &tenant,
		Operation:    r.Operation,
		Status:       status,
		StartedAt:    r.StartedAt,
		FinishedAt:   &finished,
		DurationMs:   r.Duration.Milliseconds(),
		Processed:    r.Processed,
		Created:      r.Created,
		Updated:      r.Updated,
		Skipped:      r.Skipped,
		Failed:       r.Failed,
		Errors:       mustJSON(r.Errors),
		Warnings:     mustJSON(r.Warnings),
		Stats:        mustJSON(r.Stages),
	}
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("null"))
	}
	return datatypes.JSON(raw)
}

// TenantOutcome is one tenant's slot in a batch run.
type TenantOutcome struct {
	TenantID     string               `json:"tenant_id"`
	ConnectionID uint64               `json:"connection_id"`
	Status       string               `json:"status"`
	Error        string               `json:"error,omitempty"`
	Result       *SyncOperationResult `json:"result,omitempty"`
}

type BatchResult struct {
	BatchID          string          `json:"batch_id"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	TotalConnections int             `json:"total_connections"`
	SuccessfulSyncs  int             `json:"successful_syncs"`
	FailedSyncs      int             `json:"failed_syncs"`
	SyncResults      []TenantOutcome `json:"sync_results"`
}
