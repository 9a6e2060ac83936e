package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- Connections ------------------------------------------------------------

func (s *Store) GetActiveConnection(ctx context.Context, tenantID string) (*models.Connection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, nil
	}
	var item models.Connection
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("active = ?", true).
		Order("id asc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetConnectionByID(ctx context.Context, id uint64) (*models.Connection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Connection
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]models.Connection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Connection
	if err := s.db.WithContext(ctx).Order("tenant_id asc, id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListDueConnections(ctx context.Context, now time.Time) ([]models.Connection, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var items []models.Connection
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("next_sync_at IS NULL OR next_sync_at <= ?", now).
		Order("next_sync_at asc nulls first").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateConnection(ctx context.Context, item *models.Connection) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) SaveConnectionToken(ctx context.Context, id uint64, token string, issuedAt, expiresAt time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":     token,
			"token_issued_at":  issuedAt,
			"token_expires_at": expiresAt,
		}).Error
}

func (s *Store) ClearConnectionToken(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":     nil,
			"token_issued_at":  nil,
			"token_expires_at": nil,
		}).Error
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id uint64, status string, lastError *string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastError,
		}).Error
}

func (s *Store) UpdateConnectionSyncState(ctx context.Context, id uint64, syncStatus string, lastSyncAt, nextSyncAt *time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	updates := map[string]any{"sync_status": syncStatus}
	if lastSyncAt != nil {
		updates["last_sync_at"] = *lastSyncAt
	}
	if nextSyncAt != nil {
		updates["next_sync_at"] = *nextSyncAt
	}
	return s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Store) AddConnectionAPICalls(ctx context.Context, id uint64, n int64) error {
	if s == nil || s.db == nil || n == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("id = ?", id).
		UpdateColumn("api_call_count", gorm.Expr("api_call_count + ?", n)).Error
}

// --- Opportunities ----------------------------------------------------------

func (s *Store) GetOpportunityByCRMID(ctx context.Context, crmID string) (*models.Opportunity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Opportunity
	err := s.db.WithContext(ctx).Where("crm_id = ?", crmID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertOpportunity(ctx context.Context, item *models.Opportunity) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "crm_id"}},
		DoNothing: true,
	}).Create(item)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) UpdateOpportunityGuarded(ctx context.Context, item *models.Opportunity, seenUpdatedAt time.Time) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Opportunity{}).
		Where("id = ?", item.ID).
		Where("updated_at = ?", seenUpdatedAt).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) ActiveOpportunityMap(ctx context.Context, tenantID string) (map[string]uint64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	type row struct {
		CRMID string
		ID    uint64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.Opportunity{}).
		Select("crm_id, id").
		Where("tenant_id = ?", tenantID).
		Where("status = ?", models.OpportunityStatusActive).
		Where("soft_deleted_at IS NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(rows))
	for _, r := range rows {
		out[r.CRMID] = r.ID
	}
	return out, nil
}

// --- Line items -------------------------------------------------------------

func (s *Store) GetLineItemByCRMID(ctx context.Context, crmID string) (*models.LineItem, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.LineItem
	err := s.db.WithContext(ctx).Where("crm_id = ?", crmID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertLineItem(ctx context.Context, item *models.LineItem) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "crm_id"}},
		DoNothing: true,
	}).Create(item)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) UpdateLineItemGuarded(ctx context.Context, item *models.LineItem, seenUpdatedAt time.Time) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.LineItem{}).
		Where("id = ?", item.ID).
		Where("updated_at = ?", seenUpdatedAt).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	return res.RowsAffected > 0, res.Error
}

// --- Deliverables -----------------------------------------------------------

func (s *Store) GetDeliverableByCRMID(ctx context.Context, crmID string) (*models.Deliverable, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Deliverable
	err := s.db.WithContext(ctx).Where("crm_id = ?", crmID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertDeliverable(ctx context.Context, item *models.Deliverable) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "crm_id"}},
		DoNothing: true,
	}).Create(item)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) UpdateDeliverableGuarded(ctx context.Context, item *models.Deliverable, seenUpdatedAt time.Time) (bool, error) {
	if s == nil || s.db == nil || item == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Deliverable{}).
		Where("id = ?", item.ID).
		Where("updated_at = ?", seenUpdatedAt).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	return res.RowsAffected > 0, res.Error
}

// --- Sync logs --------------------------------------------------------------

func (s *Store) InsertSyncLog(ctx context.Context, item *models.SyncLog) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateSyncLog(ctx context.Context, item *models.SyncLog) error {
	if s == nil || s.db == nil || item == nil || item.ID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.SyncLog{}).
		Where("id = ?", item.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(item).Error
}

func (s *Store) ListSyncLogs(ctx context.Context, params repository.ListSyncLogsParams) ([]models.SyncLog, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SyncLog{})
	if params.TenantID != nil && strings.TrimSpace(*params.TenantID) != "" {
		query = query.Where("tenant_id = ?", strings.TrimSpace(*params.TenantID))
	}
	if params.BatchID != nil && strings.TrimSpace(*params.BatchID) != "" {
		query = query.Where("batch_id = ?", strings.TrimSpace(*params.BatchID))
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	var items []models.SyncLog
	if err := query.Order("started_at desc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
