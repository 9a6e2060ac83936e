package models

import (
	"time"
)

// Connection status values. "failed" means the last authentication attempt
// was rejected by the vendor; "error" covers transport-level failures.
const (
	ConnectionStatusUntested  = "untested"
	ConnectionStatusConnected = "connected"
	ConnectionStatusFailed    = "failed"
	ConnectionStatusError     = "error"
	ConnectionStatusExpired   = "expired"
)

const (
	SyncStatusIdle    = "idle"
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// Connection holds one tenant's vendor credentials and sync state. At most
// one active connection per tenant drives sync. Token fields are written
// only by the token cache and the API client.
type Connection struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	TenantID string `gorm:"type:varchar(100);not null;index:idx_connections_tenant_active"`

	// Vendor credentials, AES-GCM encrypted at rest.
	Username          string `gorm:"type:text;not null"`
	EncryptedPassword string `gorm:"type:text;not null"`
	Database          string `gorm:"type:varchar(200);not null"`
	BaseURL           *string `gorm:"type:text"`

	Active bool `gorm:"not null;default:true;index:idx_connections_tenant_active"`

	AccessToken    *string    `gorm:"type:text"`
	TokenIssuedAt  *time.Time `gorm:"type:timestamptz"`
	TokenExpiresAt *time.Time `gorm:"type:timestamptz"`

	Status    string  `gorm:"type:varchar(20);not null;default:'untested'"`
	LastError *string `gorm:"type:text"`

	APICallCount int64 `gorm:"not null;default:0"`

	SyncStatus string     `gorm:"type:varchar(20);not null;default:'idle'"`
	LastSyncAt *time.Time `gorm:"type:timestamptz"`
	NextSyncAt *time.Time `gorm:"type:timestamptz;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Connection) TableName() string {
	return "crm_connections"
}
