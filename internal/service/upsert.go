package service

import (
	"context"
	"fmt"

	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

// Conflict-keyed upsert with locally-edited-field preservation.
//
// The merge rule for the whitelisted fields: keep the existing value when
// the incoming mapped value is empty, or when the existing row was produced
// by something other than the CRM sync. Everything else is overwritten from
// the fresh mapping. Soft-deleted rows that reappear in the feed are
// restored, created_at is never touched.
//
// Updates run under an optimistic updated_at guard; on a lost race the
// engine re-reads and re-merges once so a concurrent local edit wins the
// preservation pass instead of being clobbered.

const maxMergeAttempts = 2

func upsertOpportunity(ctx context.Context, store repository.Store, incoming models.Opportunity) (bool, error) {
	existing, err := store.GetOpportunityByCRMID(ctx, incoming.CRMID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		created, err := store.InsertOpportunity(ctx, &incoming)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
		// Lost an insert race; merge against the winner.
		existing, err = store.GetOpportunityByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("opportunity %s: insert conflicted but row not found", incoming.CRMID)
		}
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		merged := mergeOpportunity(*existing, incoming)
		ok, err := store.UpdateOpportunityGuarded(ctx, &merged, existing.UpdatedAt)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
		existing, err = store.GetOpportunityByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("opportunity %s: row vanished mid-merge", incoming.CRMID)
		}
	}
	return false, fmt.Errorf("opportunity %s: concurrent update conflict", incoming.CRMID)
}

func mergeOpportunity(existing, incoming models.Opportunity) models.Opportunity {
	out := incoming
	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.Source = existing.Source
	preserveAll := existing.Source != models.SourceCRMSync

	if existing.Details != "" && (incoming.Details == "" || preserveAll || len(existing.Details) > len(incoming.Details)) {
		out.Details = existing.Details
	}
	if existing.RetainerAmount != nil && (incoming.RetainerAmount == nil || preserveAll) {
		out.RetainerAmount = existing.RetainerAmount
	}
	if existing.RetainerStartDate != nil && (incoming.RetainerStartDate == nil || preserveAll) {
		out.RetainerStartDate = existing.RetainerStartDate
	}

	out.SoftDeletedAt = nil
	return out
}

func upsertLineItem(ctx context.Context, store repository.Store, incoming models.LineItem) (bool, error) {
	existing, err := store.GetLineItemByCRMID(ctx, incoming.CRMID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		created, err := store.InsertLineItem(ctx, &incoming)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
		existing, err = store.GetLineItemByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("line item %s: insert conflicted but row not found", incoming.CRMID)
		}
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		merged := mergeLineItem(*existing, incoming)
		ok, err := store.UpdateLineItemGuarded(ctx, &merged, existing.UpdatedAt)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
		existing, err = store.GetLineItemByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("line item %s: row vanished mid-merge", incoming.CRMID)
		}
	}
	return false, fmt.Errorf("line item %s: concurrent update conflict", incoming.CRMID)
}

func mergeLineItem(existing, incoming models.LineItem) models.LineItem {
	out := incoming
	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.Source = existing.Source
	preserveAll := existing.Source != models.SourceCRMSync

	// The feed never carries these; they are edited locally.
	if existing.InvoiceID != nil && (incoming.InvoiceID == nil || preserveAll) {
		out.InvoiceID = existing.InvoiceID
	}
	if existing.DeliverableID != nil && (incoming.DeliverableID == nil || preserveAll) {
		out.DeliverableID = existing.DeliverableID
	}
	if existing.ServicePeriodStart != nil && (incoming.ServicePeriodStart == nil || preserveAll) {
		out.ServicePeriodStart = existing.ServicePeriodStart
	}
	if existing.ServicePeriodEnd != nil && (incoming.ServicePeriodEnd == nil || preserveAll) {
		out.ServicePeriodEnd = existing.ServicePeriodEnd
	}
	if existing.Details != "" && (incoming.Details == "" || preserveAll || len(existing.Details) > len(incoming.Details)) {
		out.Details = existing.Details
	}

	out.SoftDeletedAt = nil
	return out
}

func upsertDeliverable(ctx context.Context, store repository.Store, incoming models.Deliverable) (bool, error) {
	existing, err := store.GetDeliverableByCRMID(ctx, incoming.CRMID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		created, err := store.InsertDeliverable(ctx, &incoming)
		if err != nil {
			return false, err
		}
		if created {
			return true, nil
		}
		existing, err = store.GetDeliverableByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("deliverable %s: insert conflicted but row not found", incoming.CRMID)
		}
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		merged := mergeDeliverable(*existing, incoming)
		ok, err := store.UpdateDeliverableGuarded(ctx, &merged, existing.UpdatedAt)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
		existing, err = store.GetDeliverableByCRMID(ctx, incoming.CRMID)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("deliverable %s: row vanished mid-merge", incoming.CRMID)
		}
	}
	return false, fmt.Errorf("deliverable %s: concurrent update conflict", incoming.CRMID)
}

func mergeDeliverable(existing, incoming models.Deliverable) models.Deliverable {
	out := incoming
	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.Source = existing.Source
	preserveAll := existing.Source != models.SourceCRMSync

	if existing.InvoiceID != nil && (incoming.InvoiceID == nil || preserveAll) {
		out.InvoiceID = existing.InvoiceID
	}
	if existing.Fee != nil && (incoming.Fee == nil || preserveAll) {
		out.Fee = existing.Fee
		out.FeeConfidence = existing.FeeConfidence
	}
	if existing.Details != "" && (incoming.Details == "" || preserveAll || len(existing.Details) > len(incoming.Details)) {
		out.Details = existing.Details
	}

	out.SoftDeletedAt = nil
	return out
}
