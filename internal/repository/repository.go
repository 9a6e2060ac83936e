package repository

import (
	"context"
	"time"

	"github.com/nmarkman/delivery-desk/internal/models"
)

type ListSyncLogsParams struct {
	TenantID *string
	BatchID  *string
	Limit    int
	Offset   int
}

// Store is the persistence contract for the sync engine.
//
// Insert* methods upsert-insert keyed on crm_id (ON CONFLICT DO NOTHING) and
// report whether a row was created, so re-running the pipeline never
// duplicates rows. Update*Guarded methods apply a full-row update guarded by
// the updated_at value the caller read, and report whether the guard matched;
// a false return means a concurrent writer touched the row first.
type Store interface {
	// Connections.
	GetActiveConnection(ctx context.Context, tenantID string) (*models.Connection, error)
	GetConnectionByID(ctx context.Context, id uint64) (*models.Connection, error)
	ListConnections(ctx context.Context) ([]models.Connection, error)
	ListDueConnections(ctx context.Context, now time.Time) ([]models.Connection, error)
	CreateConnection(ctx context.Context, item *models.Connection) error
	SaveConnectionToken(ctx context.Context, id uint64, token string, issuedAt, expiresAt time.Time) error
	ClearConnectionToken(ctx context.Context, id uint64) error
	UpdateConnectionStatus(ctx context.Context, id uint64, status string, lastError *string) error
	UpdateConnectionSyncState(ctx context.Context, id uint64, syncStatus string, lastSyncAt, nextSyncAt *time.Time) error
	AddConnectionAPICalls(ctx context.Context, id uint64, n int64) error

	// Opportunities.
	GetOpportunityByCRMID(ctx context.Context, crmID string) (*models.Opportunity, error)
	InsertOpportunity(ctx context.Context, item *models.Opportunity) (bool, error)
	UpdateOpportunityGuarded(ctx context.Context, item *models.Opportunity, seenUpdatedAt time.Time) (bool, error)
	// ActiveOpportunityMap returns crm_id -> local id for active, non-closed,
	// non-soft-deleted opportunities of one tenant.
	ActiveOpportunityMap(ctx context.Context, tenantID string) (map[string]uint64, error)

	// Line items.
	GetLineItemByCRMID(ctx context.Context, crmID string) (*models.LineItem, error)
	InsertLineItem(ctx context.Context, item *models.LineItem) (bool, error)
	UpdateLineItemGuarded(ctx context.Context, item *models.LineItem, seenUpdatedAt time.Time) (bool, error)

	// Deliverables.
	GetDeliverableByCRMID(ctx context.Context, crmID string) (*models.Deliverable, error)
	InsertDeliverable(ctx context.Context, item *models.Deliverable) (bool, error)
	UpdateDeliverableGuarded(ctx context.Context, item *models.Deliverable, seenUpdatedAt time.Time) (bool, error)

	// Audit log.
	InsertSyncLog(ctx context.Context, item *models.SyncLog) error
	UpdateSyncLog(ctx context.Context, item *models.SyncLog) error
	ListSyncLogs(ctx context.Context, params ListSyncLogsParams) ([]models.SyncLog, error)
}
