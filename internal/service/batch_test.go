package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
)

func newTestBatchService(store *stubRepo, sync *SyncService) *BatchService {
	cfg := config.BatchConfig{InterTenantDelay: time.Millisecond, SyncInterval: 6 * time.Hour}
	b := NewBatchService(store, sync, cfg, nil)
	b.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return b
}

// multiTenantAPI routes vendor calls by the connection's tenant so one batch
// can mix healthy and broken tenants.
type multiTenantAPI struct {
	byTenant map[string]*stubAPI
}

func (m *multiTenantAPI) GetOpportunities(ctx context.Context, conn *models.Connection) ([]crm.Opportunity, error) {
	return m.byTenant[conn.TenantID].GetOpportunities(ctx, conn)
}

func (m *multiTenantAPI) GetTasks(ctx context.Context, conn *models.Connection) ([]crm.Task, error) {
	return m.byTenant[conn.TenantID].GetTasks(ctx, conn)
}

func (m *multiTenantAPI) GetOpportunityProducts(ctx context.Context, conn *models.Connection, opportunityID string) ([]crm.Product, error) {
	return m.byTenant[conn.TenantID].GetOpportunityProducts(ctx, conn, opportunityID)
}

func TestRunDueSyncsIsolatesTenantFailures(t *testing.T) {
	store := newStubRepo()
	activeConnection(store, "tenant-good")
	activeConnection(store, "tenant-bad")
	activeConnection(store, "tenant-also-good")

	api := &multiTenantAPI{byTenant: map[string]*stubAPI{
		"tenant-good":      {opportunities: []crm.Opportunity{vendorOpp("opp-g1", "Deal", "Acme", "Active")}},
		"tenant-bad":       {oppErr: errors.New("vendor down")},
		"tenant-also-good": {opportunities: []crm.Opportunity{vendorOpp("opp-a1", "Deal", "Beta", "Active")}},
	}}

	sync := NewSyncService(store, api, config.SyncConfig{ProductFetchBatchSize: 2}, nil)
	sync.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	batch := newTestBatchService(store, sync)

	result, err := batch.RunDueSyncs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalConnections != 3 {
		t.Fatalf("total = %d", result.TotalConnections)
	}
	if result.SuccessfulSyncs != 2 || result.FailedSyncs != 1 {
		t.Fatalf("succeeded = %d, failed = %d", result.SuccessfulSyncs, result.FailedSyncs)
	}

	// Both healthy tenants ran to completion despite the middle failure.
	if len(result.SyncResults) != 3 {
		t.Fatalf("outcomes = %d", len(result.SyncResults))
	}
	if result.SyncResults[1].TenantID != "tenant-bad" || result.SyncResults[1].Status != models.SyncStatusFailed {
		t.Fatalf("middle outcome = %+v", result.SyncResults[1])
	}
	if result.SyncResults[2].Status != models.SyncStatusSuccess {
		t.Fatalf("last outcome = %+v", result.SyncResults[2])
	}
}

func TestRunDueSyncsAdvancesScheduleEvenOnFailure(t *testing.T) {
	store := newStubRepo()
	conn := activeConnection(store, "tenant-bad")
	api := &multiTenantAPI{byTenant: map[string]*stubAPI{
		"tenant-bad": {oppErr: errors.New("vendor down")},
	}}

	sync := NewSyncService(store, api, config.SyncConfig{ProductFetchBatchSize: 2}, nil)
	batch := newTestBatchService(store, sync)

	if _, err := batch.RunDueSyncs(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, _ := store.GetConnectionByID(context.Background(), conn.ID)
	if after.NextSyncAt == nil {
		t.Fatal("next sync must be scheduled after a failure")
	}
	if after.SyncStatus != models.SyncStatusFailed {
		t.Fatalf("sync status = %q", after.SyncStatus)
	}
}

func TestRunDueSyncsSkipsNotDueConnections(t *testing.T) {
	store := newStubRepo()
	activeConnection(store, "tenant-due")
	notDue := activeConnection(store, "tenant-later")
	future := time.Now().UTC().Add(3 * time.Hour)
	store.conns[notDue.ID].NextSyncAt = &future

	api := &multiTenantAPI{byTenant: map[string]*stubAPI{
		"tenant-due": {},
	}}
	sync := NewSyncService(store, api, config.SyncConfig{ProductFetchBatchSize: 2}, nil)
	batch := newTestBatchService(store, sync)

	result, err := batch.RunDueSyncs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalConnections != 1 {
		t.Fatalf("total = %d, want only the due tenant", result.TotalConnections)
	}
	if result.SyncResults[0].TenantID != "tenant-due" {
		t.Fatalf("ran %q", result.SyncResults[0].TenantID)
	}
}

func TestRunDueSyncsRecoversFromPanic(t *testing.T) {
	store := newStubRepo()
	activeConnection(store, "tenant-panics")
	activeConnection(store, "tenant-fine")

	api := &multiTenantAPI{byTenant: map[string]*stubAPI{
		"tenant-panics": {panicOnOpps: true},
		"tenant-fine":   {opportunities: []crm.Opportunity{vendorOpp("opp-1", "Deal", "Acme", "Active")}},
	}}
	sync := NewSyncService(store, api, config.SyncConfig{ProductFetchBatchSize: 2}, nil)
	batch := newTestBatchService(store, sync)

	result, err := batch.RunDueSyncs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailedSyncs != 1 || result.SuccessfulSyncs != 1 {
		t.Fatalf("succeeded = %d, failed = %d", result.SuccessfulSyncs, result.FailedSyncs)
	}
	if !strings.Contains(result.SyncResults[0].Error, "panic") {
		t.Fatalf("outcome error = %q", result.SyncResults[0].Error)
	}
}

func TestRunDueSyncsBatchLogLifecycle(t *testing.T) {
	store := newStubRepo()
	activeConnection(store, "tenant-a")
	api := &multiTenantAPI{byTenant: map[string]*stubAPI{
		"tenant-a": {opportunities: []crm.Opportunity{vendorOpp("opp-1", "Deal", "Acme", "Active")}},
	}}
	sync := NewSyncService(store, api, config.SyncConfig{ProductFetchBatchSize: 2}, nil)
	batch := newTestBatchService(store, sync)

	result, err := batch.RunDueSyncs(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var batchLogs []*models.SyncLog
	for _, log := range store.logs {
		if log.Operation == models.OperationBatch {
			batchLogs = append(batchLogs, log)
		}
	}
	if len(batchLogs) != 1 {
		t.Fatalf("batch logs = %d, want exactly one row updated in place", len(batchLogs))
	}
	log := batchLogs[0]
	if log.BatchID != result.BatchID {
		t.Fatalf("batch id mismatch: %q vs %q", log.BatchID, result.BatchID)
	}
	if log.Status != models.SyncLogStatusSuccess {
		t.Fatalf("status = %q", log.Status)
	}
	if log.FinishedAt == nil {
		t.Fatal("finalized log must carry a finish time")
	}
	if log.Processed != 1 || log.Created != 1 {
		t.Fatalf("log counters = %d/%d", log.Processed, log.Created)
	}
}
