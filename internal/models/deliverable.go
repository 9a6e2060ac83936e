package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	FeeConfidenceLow    = "low"
	FeeConfidenceMedium = "medium"
	FeeConfidenceHigh   = "high"
)

// Deliverable is a vendor task mapped to a one-time billable (or
// non-billable) work item.
type Deliverable struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID string `gorm:"type:varchar(100);not null;index"`
	CRMID    string `gorm:"type:varchar(100);not null;uniqueIndex"`

	OpportunityID    *uint64 `gorm:"index"`
	CRMOpportunityID *string `gorm:"type:varchar(100);index"`

	Title        string `gorm:"type:text;not null"`
	Details      string `gorm:"type:text"`
	ActivityType string `gorm:"type:varchar(100)"`
	DueAt        *time.Time `gorm:"type:timestamptz"`
	Completed    bool   `gorm:"not null;default:false"`

	Billable      bool             `gorm:"not null;default:false"`
	Fee           *decimal.Decimal `gorm:"type:numeric(20,2)"`
	FeeConfidence *string          `gorm:"type:varchar(10)"`

	// InvoiceID is locally editable; the feed never carries it.
	InvoiceID *uint64 `gorm:"index"`

	Source string `gorm:"type:varchar(30);not null;default:'crm_sync'"`

	SoftDeletedAt *time.Time     `gorm:"type:timestamptz;index"`
	LastSeenAt    time.Time      `gorm:"type:timestamptz;not null"`
	RawJSON       datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Deliverable) TableName() string {
	return "deliverables"
}
