package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Record sources. Rows created by the CRM sync may be freely overwritten on
// the next run; rows from other producers keep their locally-edited fields.
const (
	SourceCRMSync        = "crm_sync"
	SourceContractUpload = "contract_upload"
	SourceManual         = "manual"
)

const (
	OpportunityStatusActive     = "active"
	OpportunityStatusClosedWon  = "closed_won"
	OpportunityStatusClosedLost = "closed_lost"
)

type Opportunity struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID string `gorm:"type:varchar(100);not null;index"`
	// CRMID is the vendor identifier and the only upsert conflict key.
	CRMID string `gorm:"type:varchar(100);not null;uniqueIndex"`

	Name        string  `gorm:"type:text;not null"`
	CompanyName string  `gorm:"type:text;not null"`
	ContactName string  `gorm:"type:text;not null"`
	Stage       *string `gorm:"type:text"`
	Status      string  `gorm:"type:varchar(20);not null;default:'active';index"`
	Details     string  `gorm:"type:text"`

	RetainerAmount    *decimal.Decimal `gorm:"type:numeric(20,2)"`
	RetainerStartDate *time.Time       `gorm:"type:date"`

	Source string `gorm:"type:varchar(30);not null;default:'crm_sync'"`

	SoftDeletedAt *time.Time `gorm:"type:timestamptz;index"`
	LastSeenAt    time.Time  `gorm:"type:timestamptz;not null"`
	RawJSON       datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Opportunity) TableName() string {
	return "opportunities"
}
