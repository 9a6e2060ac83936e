package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/mapper"
	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

// VendorAPI is the slice of the CRM client the orchestrator consumes.
type VendorAPI interface {
	GetOpportunities(ctx context.Context, conn *models.Connection) ([]crm.Opportunity, error)
	GetTasks(ctx context.Context, conn *models.Connection) ([]crm.Task, error)
	GetOpportunityProducts(ctx context.Context, conn *models.Connection, opportunityID string) ([]crm.Product, error)
}

var ErrNoActiveConnection = fmt.Errorf("no active connection")

// SyncService runs the per-tenant pipeline: opportunities (required
// prerequisite), then line items, then deliverables. One record's failure
// never stops its stage; a failed optional stage downgrades the run instead
// of aborting it.
type SyncService struct {
	Store  repository.Store
	CRM    VendorAPI
	Logger *zap.Logger
	Cfg    config.SyncConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSyncService(store repository.Store, api VendorAPI, cfg config.SyncConfig, logger *zap.Logger) *SyncService {
	if cfg.ProductFetchBatchSize <= 0 {
		cfg.ProductFetchBatchSize = 5
	}
	return &SyncService{
		Store:  store,
		CRM:    api,
		Logger: logger,
		Cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the full pipeline for one tenant and writes a single audit
// row at completion, success or failure. batchID may be empty for on-demand
// runs.
func (s *SyncService) Run(ctx context.Context, tenantID, batchID string) (*SyncOperationResult, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	started := s.now()
	result := &SyncOperationResult{
		Operation: models.OperationSync,
		BatchID:   batchID,
		TenantID:  tenantID,
		StartedAt: started,
	}

	conn, err := s.Store.GetActiveConnection(ctx, tenantID)
	if err != nil {
		return result, err
	}
	if conn == nil {
		return result, fmt.Errorf("tenant %s: %w", tenantID, ErrNoActiveConnection)
	}

	defer func() {
		result.FinishedAt = s.now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		if err := s.Store.InsertSyncLog(ctx, result.toLog(conn.ID)); err != nil && s.Logger != nil {
			s.Logger.Warn("write sync log failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		status := models.SyncStatusFailed
		if result.Success {
			status = models.SyncStatusSuccess
		}
		last := result.FinishedAt
		if err := s.Store.UpdateConnectionSyncState(ctx, conn.ID, status, &last, nil); err != nil && s.Logger != nil {
			s.Logger.Warn("update connection sync state failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}()

	// Stage 1: opportunities. A fetch failure here aborts the tenant run;
	// the later stages map against committed opportunity rows.
	vendorOpps, err := s.CRM.GetOpportunities(ctx, conn)
	if err != nil {
		result.addError(SyncError{Type: ErrTypeAPI, Stage: StageOpportunities, Message: err.Error()})
		result.addStage(StageResult{Stage: StageOpportunities})
		result.Success = false
		return result, fmt.Errorf("fetch opportunities: %w", err)
	}
	oppStage := s.syncOpportunities(ctx, conn, vendorOpps, result)
	result.addStage(oppStage)
	if !oppStage.Succeeded() {
		result.Success = false
		return result, fmt.Errorf("tenant %s: opportunities stage failed (%d/%d records)", tenantID, oppStage.Failed, oppStage.Processed)
	}

	activeOpps, err := s.Store.ActiveOpportunityMap(ctx, tenantID)
	if err != nil {
		result.addError(SyncError{Type: ErrTypeDatabase, Stage: StageLineItems, Message: err.Error()})
		result.Success = false
		return result, err
	}
	companyIndex := companyIndexOf(vendorOpps)

	// Stage 2: line items (optional).
	itemStage := s.syncLineItems(ctx, conn, vendorOpps, activeOpps, result)
	result.addStage(itemStage)

	// Stage 3: deliverables (optional).
	taskStage := s.syncDeliverables(ctx, conn, activeOpps, companyIndex, result)
	result.addStage(taskStage)

	result.Success = true
	return result, nil
}

func (s *SyncService) syncOpportunities(ctx context.Context, conn *models.Connection, vendorOpps []crm.Opportunity, result *SyncOperationResult) StageResult {
	stage := StageResult{Stage: StageOpportunities}
	now := s.now()
	for _, item := range vendorOpps {
		stage.Processed++
		if strings.TrimSpace(item.ID) == "" {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeValidation, Stage: StageOpportunities, Message: "opportunity without vendor id"})
			continue
		}
		mapped, mapErr := safeMapOpportunity(item, conn.TenantID, now)
		if mapErr != nil {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeMapping, Stage: StageOpportunities, RecordID: item.ID, Message: mapErr.Error()})
			continue
		}
		result.addWarnings(mapped.Warnings)
		created, err := upsertOpportunity(ctx, s.Store, mapped.Record)
		if err != nil {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeDatabase, Stage: StageOpportunities, RecordID: item.ID, Message: err.Error()})
			continue
		}
		if created {
			stage.Created++
		} else {
			stage.Updated++
		}
	}
	return stage
}

// syncLineItems fetches products per opportunity with bounded fan-out:
// fixed-size batches of concurrent fetches with a short pause in between,
// so a big tenant doesn't hammer the vendor.
func (s *SyncService) syncLineItems(ctx context.Context, conn *models.Connection, vendorOpps []crm.Opportunity, activeOpps map[string]uint64, result *SyncOperationResult) StageResult {
	stage := StageResult{Stage: StageLineItems}

	var fetchIDs []string
	for _, opp := range vendorOpps {
		if _, ok := activeOpps[opp.ID]; ok {
			fetchIDs = append(fetchIDs, opp.ID)
		}
	}

	type fetchOut struct {
		oppID    string
		products []crm.Product
		err      error
	}

	now := s.now()
	batchSize := s.Cfg.ProductFetchBatchSize
	for start := 0; start < len(fetchIDs); start += batchSize {
		end := start + batchSize
		if end > len(fetchIDs) {
			end = len(fetchIDs)
		}
		batch := fetchIDs[start:end]
		outs := make([]fetchOut, len(batch))
		var wg sync.WaitGroup
		for i, oppID := range batch {
			wg.Add(1)
			go func(i int, oppID string) {
				defer wg.Done()
				products, err := s.CRM.GetOpportunityProducts(ctx, conn, oppID)
				outs[i] = fetchOut{oppID: oppID, products: products, err: err}
			}(i, oppID)
		}
		wg.Wait()

		for _, out := range outs {
			if out.err != nil {
				stage.Processed++
				stage.Failed++
				result.addError(SyncError{Type: ErrTypeAPI, Stage: StageLineItems, RecordID: out.oppID, Message: out.err.Error()})
				continue
			}
			for _, product := range out.products {
				stage.Processed++
				if strings.TrimSpace(product.ID) == "" {
					stage.Failed++
					result.addError(SyncError{Type: ErrTypeValidation, Stage: StageLineItems, Message: "product without vendor id"})
					continue
				}
				localOpp, ok := activeOpps[product.OpportunityID]
				if !ok {
					// Parent closed, soft-deleted, or not yet synced: skip,
					// don't fail.
					stage.Skipped++
					continue
				}
				mapped, mapErr := safeMapLineItem(product, conn.TenantID, localOpp, now)
				if mapErr != nil {
					stage.Failed++
					result.addError(SyncError{Type: ErrTypeMapping, Stage: StageLineItems, RecordID: product.ID, Message: mapErr.Error()})
					continue
				}
				result.addWarnings(mapped.Warnings)
				created, err := upsertLineItem(ctx, s.Store, mapped.Record)
				if err != nil {
					stage.Failed++
					result.addError(SyncError{Type: ErrTypeDatabase, Stage: StageLineItems, RecordID: product.ID, Message: err.Error()})
					continue
				}
				if created {
					stage.Created++
				} else {
					stage.Updated++
				}
			}
		}

		if end < len(fetchIDs) {
			if err := s.sleep(ctx, s.Cfg.ProductFetchBatchWait); err != nil {
				result.addError(SyncError{Type: ErrTypeAPI, Stage: StageLineItems, Message: err.Error()})
				return stage
			}
		}
	}
	return stage
}

func (s *SyncService) syncDeliverables(ctx context.Context, conn *models.Connection, activeOpps map[string]uint64, companyIndex map[string]string, result *SyncOperationResult) StageResult {
	stage := StageResult{Stage: StageDeliverables}

	tasks, err := s.CRM.GetTasks(ctx, conn)
	if err != nil {
		result.addError(SyncError{Type: ErrTypeAPI, Stage: StageDeliverables, Message: err.Error()})
		stage.Processed++
		stage.Failed++
		return stage
	}

	lookup := mapper.OpportunityLookup{ByCRMID: activeOpps, ByCompany: companyIndex}
	now := s.now()
	for _, task := range tasks {
		stage.Processed++
		if strings.TrimSpace(task.ID) == "" {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeValidation, Stage: StageDeliverables, Message: "task without vendor id"})
			continue
		}
		mapped, mapErr := safeMapDeliverable(task, conn.TenantID, lookup, now)
		if mapErr != nil {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeMapping, Stage: StageDeliverables, RecordID: task.ID, Message: mapErr.Error()})
			continue
		}
		if mapped.Record.OpportunityID == nil {
			stage.Skipped++
			continue
		}
		result.addWarnings(mapped.Warnings)
		created, err := upsertDeliverable(ctx, s.Store, mapped.Record)
		if err != nil {
			stage.Failed++
			result.addError(SyncError{Type: ErrTypeDatabase, Stage: StageDeliverables, RecordID: task.ID, Message: err.Error()})
			continue
		}
		if created {
			stage.Created++
		} else {
			stage.Updated++
		}
	}
	return stage
}

// companyIndexOf maps lowercased company names to vendor opportunity ids so
// unlinked tasks can fall back to a company-name match.
func companyIndexOf(vendorOpps []crm.Opportunity) map[string]string {
	out := make(map[string]string, len(vendorOpps))
	for _, opp := range vendorOpps {
		res := mapper.MapOpportunity(opp, "", time.Time{})
		name := strings.ToLower(strings.TrimSpace(res.Record.CompanyName))
		if name == "" || name == "unknown" {
			continue
		}
		if _, dup := out[name]; !dup {
			out[name] = opp.ID
		}
	}
	return out
}

// The mappers are pure, but tenant-configured custom fields make the input
// shape unpredictable; a panic during one record's transform becomes a
// mapping error instead of killing the stage.

func safeMapOpportunity(item crm.Opportunity, tenantID string, now time.Time) (res mapper.OpportunityResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("map opportunity: %v", r)
		}
	}()
	return mapper.MapOpportunity(item, tenantID, now), nil
}

func safeMapLineItem(item crm.Product, tenantID string, opportunityID uint64, now time.Time) (res mapper.LineItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("map line item: %v", r)
		}
	}()
	return mapper.MapLineItem(item, tenantID, opportunityID, now), nil
}

func safeMapDeliverable(item crm.Task, tenantID string, lookup mapper.OpportunityLookup, now time.Time) (res mapper.DeliverableResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("map deliverable: %v", r)
		}
	}()
	return mapper.MapDeliverable(item, tenantID, lookup, now), nil
}
