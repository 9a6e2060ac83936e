package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/models"
)

// Billability keyword rules. Deny keywords override allow keywords so that
// e.g. "internal billing review" stays non-billable.
var denyKeywords = []string{"internal", "admin", "non-billable", "nonbillable"}
var allowKeywords = []string{"billing", "project", "client", "retainer", "deliverable"}

// Fee patterns in priority order; the first match wins and tags confidence.
var feePatterns = []struct {
	re         *regexp.Regexp
	confidence string
}{
	{regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`), models.FeeConfidenceHigh},
	{regexp.MustCompile(`(?i)(?:USD|fee[:\s]+\$?)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`), models.FeeConfidenceMedium},
	{regexp.MustCompile(`\b([0-9][0-9,]*\.[0-9]{2})\b`), models.FeeConfidenceLow},
}

// OpportunityLookup resolves a task's parent opportunity: explicit vendor
// link first, then company-name match against the tenant's synced
// opportunities. ByCRMID holds only active, non-soft-deleted rows.
type OpportunityLookup struct {
	ByCRMID   map[string]uint64
	ByCompany map[string]string
}

type DeliverableResult struct {
	Record        models.Deliverable
	Warnings      []string
	UsedFallbacks []string
}

func MapDeliverable(item crm.Task, tenantID string, lookup OpportunityLookup, now time.Time) DeliverableResult {
	res := DeliverableResult{}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "Task " + item.ID
		res.warn("task %s: missing title, generated one", item.ID)
	}

	record := models.Deliverable{
		TenantID:     tenantID,
		CRMID:        item.ID,
		Title:        title,
		Details:      strings.TrimSpace(item.Details),
		ActivityType: strings.TrimSpace(item.ActivityType),
		Completed:    item.Completed,
		Billable:     isBillable(item),
		Source:       models.SourceCRMSync,
		LastSeenAt:   now,
	}

	if item.DueDate != nil {
		if t, ok := tryDate(*item.DueDate); ok {
			record.DueAt = &t
		}
	}

	crmOppID, how := resolveTaskOpportunity(item, lookup)
	if crmOppID != "" {
		record.CRMOpportunityID = &crmOppID
		if how != "" {
			res.fallback(how)
		}
		if localID, ok := lookup.ByCRMID[crmOppID]; ok {
			record.OpportunityID = &localID
		}
	}

	if fee, confidence, ok := extractFee(item.Title + " " + item.Details); ok {
		record.Fee = &fee
		record.FeeConfidence = &confidence
	}

	if raw, err := json.Marshal(item); err == nil {
		record.RawJSON = raw
	}

	res.Record = record
	return res
}

func isBillable(item crm.Task) bool {
	haystack := strings.ToLower(item.ActivityType + " " + item.Title)
	for _, kw := range denyKeywords {
		if strings.Contains(haystack, kw) {
			return false
		}
	}
	for _, kw := range allowKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func resolveTaskOpportunity(item crm.Task, lookup OpportunityLookup) (crmOppID, how string) {
	if item.OpportunityID != nil && *item.OpportunityID != "" {
		return *item.OpportunityID, ""
	}
	for _, link := range item.Links {
		if link.CompanyName == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(*link.CompanyName))
		if key == "" {
			continue
		}
		if id, ok := lookup.ByCompany[key]; ok {
			return id, "opportunity:company_match"
		}
	}
	return "", ""
}

// extractFee scans free text with the ordered currency patterns.
func extractFee(text string) (fee decimal.Decimal, confidence string, ok bool) {
	for _, p := range feePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if d, good := tryMoney(m[1]); good {
			return d, p.confidence, true
		}
	}
	return fee, "", false
}

func (r *DeliverableResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *DeliverableResult) fallback(name string) {
	r.UsedFallbacks = append(r.UsedFallbacks, name)
}
