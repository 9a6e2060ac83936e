package mapper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
)

// Custom-field extraction is heuristic by necessity: tenants configure their
// own field ids and names, so lookup runs in priority order — known field id,
// then semantic name candidates, then a best-effort scan of every field.

var dateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

var moneyPattern = regexp.MustCompile(`^\s*\$?\s*-?[0-9][0-9,]*(?:\.[0-9]+)?\s*$`)

func customFieldByID(fields []crm.CustomField, id string) (string, bool) {
	for _, f := range fields {
		if strings.EqualFold(f.FieldName, id) {
			return fieldValueString(f.FieldValue)
		}
	}
	return "", false
}

func customFieldByNames(fields []crm.CustomField, candidates []string) (string, bool) {
	for _, f := range fields {
		name := strings.ToLower(f.FieldName)
		for _, cand := range candidates {
			if strings.Contains(name, cand) {
				if v, ok := fieldValueString(f.FieldValue); ok {
					return v, true
				}
			}
		}
	}
	return "", false
}

func fieldValueString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return "", false
	default:
		s := strings.TrimSpace(fmt.Sprintf("%v", t))
		return s, s != ""
	}
}

// tryMoney parses a currency-ish string ("$1,200.50", "1200.5") into a
// decimal amount.
func tryMoney(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !moneyPattern.MatchString(s) {
		return decimal.Zero, false
	}
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// tryDate parses a value in any of the accepted vendor date layouts and
// truncates it to a date.
func tryDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func looksLikeDate(s string) bool {
	_, ok := tryDate(s)
	return ok
}

// withinSaneRange rejects dates far in the past or future that almost
// certainly mean the field held something other than a billing date.
func withinSaneRange(t, now time.Time) bool {
	if t.Year() < 2000 {
		return false
	}
	return !t.After(now.AddDate(10, 0, 0))
}

// scanMoneyField is the last-resort extractor: the first field whose value
// is numeric-looking and not a date.
func scanMoneyField(fields []crm.CustomField) (decimal.Decimal, string, bool) {
	for _, f := range fields {
		v, ok := fieldValueString(f.FieldValue)
		if !ok || looksLikeDate(v) {
			continue
		}
		if d, ok := tryMoney(v); ok {
			return d, f.FieldName, true
		}
	}
	return decimal.Zero, "", false
}

// scanDateField is the last-resort extractor: the first field whose value
// parses as a date.
func scanDateField(fields []crm.CustomField) (time.Time, string, bool) {
	for _, f := range fields {
		v, ok := fieldValueString(f.FieldValue)
		if !ok {
			continue
		}
		if t, ok := tryDate(v); ok {
			return t, f.FieldName, true
		}
	}
	return time.Time{}, "", false
}
