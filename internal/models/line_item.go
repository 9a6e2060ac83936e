package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// LineItem is one billable line under an opportunity: either a dated
// retainer month or an undated deliverable (BilledAt nil).
type LineItem struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID string `gorm:"type:varchar(100);not null;index"`
	CRMID    string `gorm:"type:varchar(100);not null;uniqueIndex"`

	OpportunityID    uint64 `gorm:"not null;index"`
	CRMOpportunityID string `gorm:"type:varchar(100);not null;index"`

	Name      string          `gorm:"type:text;not null"`
	UnitRate  decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Quantity  int             `gorm:"not null;default:1"`
	LineTotal decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	BilledAt  *time.Time      `gorm:"type:date;index"`

	// Locally-editable fields: set from the UI or by other producers and
	// preserved by the upsert merge when the feed omits them.
	InvoiceID          *uint64    `gorm:"index"`
	DeliverableID      *uint64    `gorm:"index"`
	ServicePeriodStart *time.Time `gorm:"type:date"`
	ServicePeriodEnd   *time.Time `gorm:"type:date"`
	Details            string     `gorm:"type:text"`

	Source string `gorm:"type:varchar(30);not null;default:'crm_sync'"`

	SoftDeletedAt *time.Time     `gorm:"type:timestamptz;index"`
	LastSeenAt    time.Time      `gorm:"type:timestamptz;not null"`
	RawJSON       datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (LineItem) TableName() string {
	return "line_items"
}
