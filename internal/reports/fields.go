package reports

import "strings"

// fieldAliases maps each canonical field name to the header spellings the
// partner API has been seen using. Both the TSV normalizer and downstream
// lookups consult this single table; new spellings get added here, nowhere
// else.
var fieldAliases = map[string][]string{
	"event-type":         {"event-type", "event_type", "Event Type", "transaction-event-type"},
	"order-id":           {"order-id", "amazon-order-id", "order_id", "Order ID"},
	"sku":                {"sku", "seller-sku", "merchant-sku", "SKU"},
	"fnsku":              {"fnsku", "fn-sku", "FNSKU"},
	"asin":               {"asin", "ASIN"},
	"quantity":           {"quantity", "quantity-purchased", "qty", "Quantity"},
	"amount":             {"amount", "amount-total", "total-amount", "Amount"},
	"amount-type":        {"amount-type", "amount_type", "Amount Type"},
	"currency":           {"currency", "currency-code", "Currency"},
	"posted-date":        {"posted-date", "posted_date", "Posted Date", "posted-date-time"},
	"settlement-id":      {"settlement-id", "settlement_id", "Settlement ID"},
	"fulfillment-center": {"fulfillment-center", "fulfillment-center-id", "fc"},
	"reason":             {"reason", "reason-code", "Reason"},
	"disposition":        {"disposition", "detailed-disposition", "Disposition"},
	"reimbursement-id":   {"reimbursement-id", "reimbursement_id", "Reimbursement ID"},
}

// NormalizeHeader canonicalizes a header cell: trimmed, surrounding quotes
// stripped, lower-cased, runs of spaces/underscores collapsed to a single
// dash.
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(h)
	h = strings.Trim(h, `"'`)
	h = strings.ToLower(h)
	var b strings.Builder
	sep := false
	for _, r := range h {
		if r == ' ' || r == '_' || r == '-' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Record is one parsed report row. Values are keyed under both the
// original header text and its normalized form, so lookups never miss a
// field regardless of which spelling a given response used.
type Record map[string]string

// Field resolves a canonical field name through the alias table, falling
// back to the name itself. Returns "" when no spelling matched.
func (r Record) Field(canonical string) string {
	for _, alias := range fieldAliases[canonical] {
		if v, ok := r[alias]; ok && v != "" {
			return v
		}
		if v, ok := r[NormalizeHeader(alias)]; ok && v != "" {
			return v
		}
	}
	if v, ok := r[canonical]; ok {
		return v
	}
	return r[NormalizeHeader(canonical)]
}
