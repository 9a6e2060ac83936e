package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

// BatchService walks every connection whose next sync is due and runs the
// pipeline tenant by tenant, with a fixed delay in between to spread vendor
// load. One tenant's failure — error or panic — never aborts the batch.
type BatchService struct {
	Store  repository.Store
	Sync   *SyncService
	Logger *zap.Logger
	Cfg    config.BatchConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBatchService(store repository.Store, sync *SyncService, cfg config.BatchConfig, logger *zap.Logger) *BatchService {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 6 * time.Hour
	}
	return &BatchService{
		Store:  store,
		Sync:   sync,
		Logger: logger,
		Cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
}

func (b *BatchService) RunDueSyncs(ctx context.Context) (*BatchResult, error) {
	started := b.now()
	conns, err := b.Store.ListDueConnections(ctx, started)
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	result := &BatchResult{
		BatchID:          batchID,
		StartedAt:        started,
		TotalConnections: len(conns),
	}

	// The batch audit row is the one log that gets updated: inserted
	// "running" here, finalized exactly once below.
	batchLog := &models.SyncLog{
		BatchID:   batchID,
		Operation: models.OperationBatch,
		Status:    models.SyncLogStatusRunning,
		StartedAt: started,
	}
	if err := b.Store.InsertSyncLog(ctx, batchLog); err != nil && b.Logger != nil {
		b.Logger.Warn("insert batch log failed", zap.Error(err))
	}

	for i, conn := range conns {
		if i > 0 {
			if err := b.sleep(ctx, b.Cfg.InterTenantDelay); err != nil {
				break
			}
		}
		outcome := b.runOne(ctx, conn, batchID)
		result.SyncResults = append(result.SyncResults, outcome)
		if outcome.Status == models.SyncStatusSuccess {
			result.SuccessfulSyncs++
		} else {
			result.FailedSyncs++
		}
	}

	result.FinishedAt = b.now()
	status := models.SyncLogStatusSuccess
	if result.FailedSyncs > 0 {
		status = models.SyncLogStatusPartialSuccess
	}
	batchLog.Status = status
	finished := result.FinishedAt
	batchLog.FinishedAt = &finished
	batchLog.DurationMs = finished.Sub(started).Milliseconds()
	batchLog.Processed = result.TotalConnections
	batchLog.Created = result.SuccessfulSyncs
	batchLog.Failed = result.FailedSyncs
	batchLog.Stats = mustJSON(result.SyncResults)
	if err := b.Store.UpdateSyncLog(ctx, batchLog); err != nil && b.Logger != nil {
		b.Logger.Warn("finalize batch log failed", zap.Error(err))
	}

	if b.Logger != nil {
		b.Logger.Info("batch sync finished",
			zap.String("batch_id", batchID),
			zap.Int("total", result.TotalConnections),
			zap.Int("succeeded", result.SuccessfulSyncs),
			zap.Int("failed", result.FailedSyncs),
		)
	}
	return result, nil
}

func (b *BatchService) runOne(ctx context.Context, conn models.Connection, batchID string) (outcome TenantOutcome) {
	outcome = TenantOutcome{TenantID: conn.TenantID, ConnectionID: conn.ID}

	defer func() {
		if r := recover(); r != nil {
			outcome.Status = models.SyncStatusFailed
			outcome.Error = fmt.Sprintf("panic: %v", r)
			b.finishTenant(ctx, conn.ID, models.SyncStatusFailed)
			if b.Logger != nil {
				b.Logger.Error("tenant sync panicked",
					zap.String("tenant", conn.TenantID),
					zap.Any("panic", r),
				)
			}
		}
	}()

	if err := b.Store.UpdateConnectionSyncState(ctx, conn.ID, models.SyncStatusRunning, nil, nil); err != nil && b.Logger != nil {
		b.Logger.Warn("mark running failed", zap.String("tenant", conn.TenantID), zap.Error(err))
	}

	res, err := b.Sync.Run(ctx, conn.TenantID, batchID)
	outcome.Result = res
	if err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		b.finishTenant(ctx, conn.ID, models.SyncStatusFailed)
		if b.Logger != nil {
			b.Logger.Warn("tenant sync failed", zap.String("tenant", conn.TenantID), zap.Error(err))
		}
		return outcome
	}

	outcome.Status = models.SyncStatusSuccess
	b.finishTenant(ctx, conn.ID, models.SyncStatusSuccess)
	return outcome
}

// finishTenant records the terminal sync status and schedules the next run.
// The next-sync time advances even after a failure so a broken tenant
// doesn't retry in a tight loop every batch.
func (b *BatchService) finishTenant(ctx context.Context, connID uint64, status string) {
	now := b.now()
	next := now.Add(b.Cfg.SyncInterval)
	if err := b.Store.UpdateConnectionSyncState(ctx, connID, status, &now, &next); err != nil && b.Logger != nil {
		b.Logger.Warn("update sync schedule failed", zap.Uint64("connection", connID), zap.Error(err))
	}
}
