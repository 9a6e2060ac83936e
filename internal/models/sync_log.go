package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SyncLogStatusRunning        = "running"
	SyncLogStatusSuccess        = "success"
	SyncLogStatusPartialSuccess = "partial_success"
	SyncLogStatusFailed         = "failed"
)

const (
	OperationSync     = "sync"
	OperationAnalysis = "analysis"
	OperationBatch    = "batch"
)

// SyncLog is an append-only audit row for one sync run. Per-tenant rows are
// written once at completion; the batch row is the exception: inserted
// "running" and updated exactly once when the batch finishes.
type SyncLog struct {
	ID           uint64  `gorm:"primaryKey;autoIncrement"`
	BatchID      string  `gorm:"type:varchar(40);not null;index"`
	ConnectionID *uint64 `gorm:"index"`
	TenantID     *string `gorm:"type:varchar(100);index"`

	Operation string `gorm:"type:varchar(20);not null"`
	Status    string `gorm:"type:varchar(20);not null"`

	StartedAt  time.Time  `gorm:"type:timestamptz;not null"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
	DurationMs int64      `gorm:"not null;default:0"`

	Processed int `gorm:"not null;default:0"`
	Created   int `gorm:"not null;default:0"`
	Updated   int `gorm:"not null;default:0"`
	Skipped   int `gorm:"not null;default:0"`
	Failed    int `gorm:"not null;default:0"`

	Errors   datatypes.JSON `gorm:"type:jsonb"`
	Warnings datatypes.JSON `gorm:"type:jsonb"`
	Stats    datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (SyncLog) TableName() string {
	return "sync_logs"
}
