package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/models"
)

type LineItemResult struct {
	Record        models.LineItem
	Warnings      []string
	UsedFallbacks []string
}

// MapLineItem normalizes one vendor product under an already-resolved local
// opportunity. Missing or invalid name, price and quantity get safe defaults;
// an item number that does not carry a date simply yields an undated
// deliverable row.
func MapLineItem(item crm.Product, tenantID string, opportunityID uint64, now time.Time) LineItemResult {
	res := LineItemResult{}

	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = "Line item " + item.ID
		res.warn("product %s: missing name, generated one", item.ID)
	}

	price := decimal.Zero
	if item.Price == nil {
		res.warn("product %s: missing price, defaulting to 0", item.ID)
	} else if *item.Price < 0 {
		res.warn("product %s: negative price %.2f, defaulting to 0", item.ID, *item.Price)
	} else {
		price = decimal.NewFromFloat(*item.Price)
	}

	quantity := 1
	if item.Quantity == nil || *item.Quantity <= 0 {
		res.warn("product %s: missing or zero quantity, defaulting to 1", item.ID)
	} else {
		quantity = int(*item.Quantity)
	}

	lineTotal := price.Mul(decimal.NewFromInt(int64(quantity)))
	if item.Total != nil {
		vendorTotal := decimal.NewFromFloat(*item.Total)
		if !vendorTotal.Equal(lineTotal) {
			res.warn("product %s: computed total %s differs from vendor total %s",
				item.ID, lineTotal.String(), vendorTotal.String())
		}
	}

	record := models.LineItem{
		TenantID:         tenantID,
		CRMID:            item.ID,
		OpportunityID:    opportunityID,
		CRMOpportunityID: item.OpportunityID,
		Name:             name,
		UnitRate:         price,
		Quantity:         quantity,
		LineTotal:        lineTotal,
		Details:          strings.TrimSpace(item.Description),
		Source:           models.SourceCRMSync,
		LastSeenAt:       now,
	}

	if billedAt, ok := billingDateFromItemNumber(item.ItemNumber, now, &res, item.ID); ok {
		record.BilledAt = &billedAt
	}

	if raw, err := json.Marshal(item); err == nil {
		record.RawJSON = raw
	}

	res.Record = record
	return res
}

// billingDateFromItemNumber pulls a billing date out of the item-number
// field when one is present. Absence is normal (undated deliverable); a
// parseable date outside the sane range is discarded, not an error.
func billingDateFromItemNumber(itemNumber string, now time.Time, res *LineItemResult, productID string) (time.Time, bool) {
	t, ok := tryDate(itemNumber)
	if !ok {
		return time.Time{}, false
	}
	if !withinSaneRange(t, now) {
		res.warn("product %s: billing date %s out of range, treating as undated", productID, t.Format("2006-01-02"))
		return time.Time{}, false
	}
	res.fallback("billed_at:item_number")
	return t, true
}

func (r *LineItemResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *LineItemResult) fallback(name string) {
	r.UsedFallbacks = append(r.UsedFallbacks, name)
}
