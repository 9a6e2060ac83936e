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

// Known custom-field ids for this vendor's opportunity export. Checked
// before any name-based or heuristic lookup.
const (
	fieldIDRetainerAmount = "opportunity_field_2"
	fieldIDRetainerStart  = "opportunity_field_3"
)

var retainerAmountNames = []string{"retainer_amount", "monthly_retainer", "retainer"}
var retainerStartNames = []string{"retainer_start", "start_date", "contract_start"}

const unknownPlaceholder = "unknown"

type OpportunityResult struct {
	Record        models.Opportunity
	Warnings      []string
	UsedFallbacks []string
}

// MapOpportunity normalizes one vendor opportunity. It never fails on
// missing optional data: defaults are substituted and a warning recorded.
func MapOpportunity(item crm.Opportunity, tenantID string, now time.Time) OpportunityResult {
	res := OpportunityResult{}

	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = "Opportunity " + item.ID
		res.warn("opportunity %s: missing name, generated one", item.ID)
	}

	company := resolveCompany(item, &res)
	contact := resolveContact(item, &res)

	record := models.Opportunity{
		TenantID:    tenantID,
		CRMID:       item.ID,
		Name:        name,
		CompanyName: company,
		ContactName: contact,
		Stage:       item.Stage,
		Status:      statusFromStage(item.Stage),
		Details:     strings.TrimSpace(item.Details),
		Source:      models.SourceCRMSync,
		LastSeenAt:  now,
	}

	if amount, from, ok := resolveRetainerAmount(item.CustomFields); ok {
		record.RetainerAmount = &amount
		res.fallback(from)
	}
	if start, from, ok := resolveRetainerStart(item.CustomFields, now); ok {
		record.RetainerStartDate = &start
		res.fallback(from)
	} else if from != "" {
		res.warn("opportunity %s: retainer start date in field %q out of range, dropped", item.ID, from)
	}

	if raw, err := json.Marshal(item); err == nil {
		record.RawJSON = raw
	}

	res.Record = record
	return res
}

// resolveCompany walks the priority chain: primary contact's company, first
// linked company, company parsed from the contact-name string.
func resolveCompany(item crm.Opportunity, res *OpportunityResult) string {
	if item.PrimaryContact != nil && item.PrimaryContact.Company != nil {
		if name := strings.TrimSpace(item.PrimaryContact.Company.Name); name != "" {
			return name
		}
	}
	for _, link := range item.Links {
		if link.CompanyName != nil {
			if name := strings.TrimSpace(*link.CompanyName); name != "" {
				res.fallback("company:link")
				return name
			}
		}
	}
	if item.ContactName != nil {
		if _, company, ok := splitContactName(*item.ContactName); ok && company != "" {
			res.fallback("company:contact_name")
			return company
		}
	}
	res.warn("opportunity %s: company unresolved, using placeholder", item.ID)
	return unknownPlaceholder
}

func resolveContact(item crm.Opportunity, res *OpportunityResult) string {
	if item.PrimaryContact != nil {
		if name := contactDisplayName(*item.PrimaryContact); name != "" {
			return name
		}
	}
	if len(item.Contacts) > 0 {
		if name := contactDisplayName(item.Contacts[0]); name != "" {
			res.fallback("contact:first_linked")
			return name
		}
	}
	if item.ContactName != nil {
		if person, _, ok := splitContactName(*item.ContactName); ok && person != "" {
			res.fallback("contact:contact_name")
			return person
		}
	}
	res.warn("opportunity %s: contact unresolved, using placeholder", item.ID)
	return unknownPlaceholder
}

func contactDisplayName(c crm.Contact) string {
	full := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if full != "" {
		return full
	}
	return strings.TrimSpace(c.Name)
}

// splitContactName handles the "Jane Doe (Acme Corp)" export shape.
func splitContactName(s string) (person, company string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	open := strings.Index(s, "(")
	if open < 0 {
		return s, "", true
	}
	close := strings.LastIndex(s, ")")
	if close <= open {
		return strings.TrimSpace(s[:open]), "", true
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+1 : close]), true
}

// statusFromStage derives a normalized status by substring match on the
// vendor stage string. Anything unrecognized stays active.
func statusFromStage(stage *string) string {
	if stage == nil {
		return models.OpportunityStatusActive
	}
	s := strings.ToLower(*stage)
	closed := strings.Contains(s, "closed")
	switch {
	case closed && strings.Contains(s, "won"):
		return models.OpportunityStatusClosedWon
	case closed && strings.Contains(s, "lost"):
		return models.OpportunityStatusClosedLost
	case strings.Contains(s, "abandoned"):
		return models.OpportunityStatusClosedLost
	default:
		return models.OpportunityStatusActive
	}
}

func resolveRetainerAmount(fields []crm.CustomField) (amount decimal.Decimal, from string, ok bool) {
	if v, found := customFieldByID(fields, fieldIDRetainerAmount); found {
		if d, good := tryMoney(v); good {
			return d, "retainer_amount:field_id", true
		}
	}
	if v, found := customFieldByNames(fields, retainerAmountNames); found {
		if d, good := tryMoney(v); good {
			return d, "retainer_amount:name_match", true
		}
	}
	if d, field, found := scanMoneyField(fields); found {
		return d, "retainer_amount:scan:" + field, true
	}
	return amount, "", false
}

func resolveRetainerStart(fields []crm.CustomField, now time.Time) (start time.Time, from string, ok bool) {
	candidates := []func() (time.Time, string, bool){
		func() (time.Time, string, bool) {
			v, found := customFieldByID(fields, fieldIDRetainerStart)
			if !found {
				return time.Time{}, "", false
			}
			t, good := tryDate(v)
			return t, fieldIDRetainerStart, good
		},
		func() (time.Time, string, bool) {
			v, found := customFieldByNames(fields, retainerStartNames)
			if !found {
				return time.Time{}, "", false
			}
			t, good := tryDate(v)
			return t, "name_match", good
		},
		func() (time.Time, string, bool) {
			return scanDateField(fields)
		},
	}
	for _, next := range candidates {
		t, field, found := next()
		if !found {
			continue
		}
		if !withinSaneRange(t, now) {
			return time.Time{}, field, false
		}
		return t, "retainer_start:" + field, true
	}
	return time.Time{}, "", false
}

func (r *OpportunityResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *OpportunityResult) fallback(name string) {
	r.UsedFallbacks = append(r.UsedFallbacks, name)
}
