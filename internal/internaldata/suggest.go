package internaldata

import "strings"

// fieldSynonyms mirrors _suggest_mapping_from_fields's alias table: a small,
// best-effort convenience, never correctness-bearing (§4.6).
var fieldSynonyms = map[string][]string{
	"internal_sku": {"article", "sku", "vendorcode", "internal_sku", "articul", "артикул"},
	"rrp":          {"price", "rrp", "pricerrp", "price_rrp", "ррц", "recommended_price"},
	"stock":        {"stock", "qty", "quantity", "amount"},
	"barcode":      {"barcode", "ean", "ean13"},
}

func normalizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SuggestMapping proposes a Mapping from a source's column headers by
// matching normalized (lowercased, non-alphanumeric stripped) header names
// against a fixed synonym table per target field. A field with no match is
// simply left unmapped; the caller decides whether to save the suggestion.
func SuggestMapping(headers []string) Mapping {
	normalized := make(map[string]string, len(headers))
	for _, h := range headers {
		normalized[normalizeFieldName(h)] = h
	}

	fields := make(map[string]FieldSpec)
	for target, candidates := range fieldSynonyms {
		for _, c := range candidates {
			if original, ok := normalized[normalizeFieldName(c)]; ok {
				fields[target] = FieldSpec{Key: original}
				break
			}
		}
	}
	return Mapping{Fields: fields}
}
