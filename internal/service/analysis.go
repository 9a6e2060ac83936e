package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/mapper"
	"github.com/nmarkman/delivery-desk/internal/models"
)

// AnalysisResult is the dry-run output: everything mapped, nothing
// persisted.
type AnalysisResult struct {
	TenantID      string               `json:"tenant_id"`
	Opportunities []models.Opportunity `json:"opportunities"`
	LineItems     []models.LineItem    `json:"line_items"`
	Deliverables  []models.Deliverable `json:"deliverables"`
	Warnings      []string             `json:"warnings"`
}

// Analyze fetches and maps the tenant's vendor data without writing any
// rows or audit entries. API-call accounting still runs: the vendor was
// really called.
func (s *SyncService) Analyze(ctx context.Context, tenantID string) (*AnalysisResult, error) {
	conn, err := s.Store.GetActiveConnection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNoActiveConnection)
	}

	vendorOpps, err := s.CRM.GetOpportunities(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("fetch opportunities: %w", err)
	}

	out := &AnalysisResult{TenantID: tenantID}
	now := s.now()
	for _, item := range vendorOpps {
		res := mapper.MapOpportunity(item, tenantID, now)
		out.Opportunities = append(out.Opportunities, res.Record)
		out.Warnings = append(out.Warnings, res.Warnings...)
	}

	activeOpps, err := s.Store.ActiveOpportunityMap(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	batchSize := s.Cfg.ProductFetchBatchSize
	for start := 0; start < len(vendorOpps); start += batchSize {
		end := start + batchSize
		if end > len(vendorOpps) {
			end = len(vendorOpps)
		}
		batch := vendorOpps[start:end]
		products := make([][]crm.Product, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, opp := range batch {
			wg.Add(1)
			go func(i int, oppID string) {
				defer wg.Done()
				products[i], errs[i] = s.CRM.GetOpportunityProducts(ctx, conn, oppID)
			}(i, opp.ID)
		}
		wg.Wait()
		for i, fetched := range products {
			if errs[i] != nil {
				out.Warnings = append(out.Warnings, fmt.Sprintf("opportunity %s: product fetch failed: %v", batch[i].ID, errs[i]))
				continue
			}
			for _, product := range fetched {
				res := mapper.MapLineItem(product, tenantID, activeOpps[product.OpportunityID], now)
				out.LineItems = append(out.LineItems, res.Record)
				out.Warnings = append(out.Warnings, res.Warnings...)
			}
		}
		if end < len(vendorOpps) {
			if err := s.sleep(ctx, s.Cfg.ProductFetchBatchWait); err != nil {
				return out, err
			}
		}
	}

	tasks, err := s.CRM.GetTasks(ctx, conn)
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("task fetch failed: %v", err))
		return out, nil
	}
	lookup := mapper.OpportunityLookup{ByCRMID: activeOpps, ByCompany: companyIndexOf(vendorOpps)}
	for _, task := range tasks {
		res := mapper.MapDeliverable(task, tenantID, lookup, now)
		out.Deliverables = append(out.Deliverables, res.Record)
		out.Warnings = append(out.Warnings, res.Warnings...)
	}

	return out, nil
}
