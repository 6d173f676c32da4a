package internaldata

// FieldSpec names the raw column/attribute key feeding a mapped field plus
// the transform chain applied to it (§4.6 mapping_json.fields.*).
type FieldSpec struct {
	Key        string   `json:"key"`
	Transforms []string `json:"transforms"`
}

// Mapping is the per-project mapping_json shape: which raw keys feed
// internal_sku/rrp/stock/barcode, and options controlling row-error policy.
type Mapping struct {
	Fields  map[string]FieldSpec   `json:"fields"`
	Options map[string]interface{} `json:"options"`
}

// HasRequiredFields mirrors _mapping_has_required_fields: internal_sku and
// rrp must both have a non-empty source key before the mapping pipeline is
// usable at all.
func (m Mapping) HasRequiredFields() bool {
	sku := m.Fields["internal_sku"]
	rrp := m.Fields["rrp"]
	return sku.Key != "" && rrp.Key != ""
}

// NormalizedRow is one successfully mapped & validated catalog row.
type NormalizedRow struct {
	InternalSKU string
	RRP         float64
	Stock       *int64
	Barcode     *string
	Cost        *float64
}

// RowError is one row that failed mapping, carried through to
// internal_data_row_errors.
type RowError struct {
	RowNumber int
	Field     string
	Code      string // missing_required | transform_error | parse_error
	Detail    string
}

// MappingMetrics summarizes one apply pass, feeding the snapshot's
// rows_total/rows_failed columns and the success/partial/error decision.
type MappingMetrics struct {
	TotalRows    int
	RowsImported int
	RowsFailed   int
}

// ApplyMappingToRows implements apply_mapping_to_rows: internal_sku and rrp
// are required (empty-after-transform or transform failure both fail the
// row); stock and barcode are optional and only contribute a row error on a
// transform failure, never on absence. A failing row is skipped entirely,
// never partially written.
func ApplyMappingToRows(mapping Mapping, rawRows []map[string]interface{}) ([]NormalizedRow, []RowError, MappingMetrics) {
	sku := mapping.Fields["internal_sku"]
	rrp := mapping.Fields["rrp"]
	stock := mapping.Fields["stock"]
	barcode := mapping.Fields["barcode"]
	cost := mapping.Fields["cost"]

	skuTransforms := sku.Transforms
	if len(skuTransforms) == 0 {
		skuTransforms = []string{"strip"}
	}
	rrpTransforms := rrp.Transforms
	if len(rrpTransforms) == 0 {
		rrpTransforms = []string{"to_decimal"}
	}
	stockTransforms := stock.Transforms
	if len(stockTransforms) == 0 {
		stockTransforms = []string{"to_int"}
	}
	barcodeTransforms := barcode.Transforms
	if len(barcodeTransforms) == 0 {
		barcodeTransforms = []string{"strip"}
	}
	costTransforms := cost.Transforms
	if len(costTransforms) == 0 {
		costTransforms = []string{"to_decimal"}
	}

	var normalized []NormalizedRow
	var errs []RowError
	metrics := MappingMetrics{}

	for idx, raw := range rawRows {
		metrics.TotalRows++

		var rawSKU interface{}
		if sku.Key != "" {
			rawSKU = raw[sku.Key]
		}
		skuVal, err := ApplyTransforms(rawSKU, skuTransforms)
		if err != nil {
			errs = append(errs, RowError{RowNumber: idx, Field: "internal_sku", Code: "transform_error", Detail: err.Error()})
			metrics.RowsFailed++
			continue
		}
		skuStr, _ := skuVal.(string)
		if skuStr == "" {
			errs = append(errs, RowError{RowNumber: idx, Field: "internal_sku", Code: "missing_required", Detail: "missing or empty after transforms"})
			metrics.RowsFailed++
			continue
		}

		var rawRRP interface{}
		if rrp.Key != "" {
			rawRRP = raw[rrp.Key]
		}
		rrpVal, err := ApplyTransforms(rawRRP, rrpTransforms)
		if err != nil {
			errs = append(errs, RowError{RowNumber: idx, Field: "rrp", Code: "parse_error", Detail: err.Error()})
			metrics.RowsFailed++
			continue
		}
		rrpFloat, ok := rrpVal.(float64)
		if !ok {
			errs = append(errs, RowError{RowNumber: idx, Field: "rrp", Code: "missing_required", Detail: "missing or not a valid number"})
			metrics.RowsFailed++
			continue
		}

		var stockPtr *int64
		if stock.Key != "" {
			stockVal, err := ApplyTransforms(raw[stock.Key], stockTransforms)
			if err != nil {
				errs = append(errs, RowError{RowNumber: idx, Field: "stock", Code: "parse_error", Detail: err.Error()})
			} else if n, ok := stockVal.(int64); ok {
				stockPtr = &n
			}
		}

		var barcodePtr *string
		if barcode.Key != "" {
			barcodeVal, err := ApplyTransforms(raw[barcode.Key], barcodeTransforms)
			if err != nil {
				errs = append(errs, RowError{RowNumber: idx, Field: "barcode", Code: "parse_error", Detail: err.Error()})
			} else if s, ok := barcodeVal.(string); ok && s != "" {
				barcodePtr = &s
			}
		}

		var costPtr *float64
		if cost.Key != "" {
			costVal, err := ApplyTransforms(raw[cost.Key], costTransforms)
			if err != nil {
				errs = append(errs, RowError{RowNumber: idx, Field: "cost", Code: "parse_error", Detail: err.Error()})
			} else if f, ok := costVal.(float64); ok {
				costPtr = &f
			}
		}

		normalized = append(normalized, NormalizedRow{
			InternalSKU: skuStr,
			RRP:         rrpFloat,
			Stock:       stockPtr,
			Barcode:     barcodePtr,
			Cost:        costPtr,
		})
		metrics.RowsImported++
	}

	return normalized, errs, metrics
}
