package internaldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicMapping() Mapping {
	return Mapping{
		Fields: map[string]FieldSpec{
			"internal_sku": {Key: "article"},
			"rrp":          {Key: "price"},
			"stock":        {Key: "qty"},
			"barcode":      {Key: "ean"},
		},
	}
}

func TestMapping_HasRequiredFields(t *testing.T) {
	require.True(t, basicMapping().HasRequiredFields())
	require.False(t, Mapping{}.HasRequiredFields())
	require.False(t, Mapping{Fields: map[string]FieldSpec{"internal_sku": {Key: "article"}}}.HasRequiredFields())
}

func TestApplyMappingToRows_HappyPath(t *testing.T) {
	rows := []map[string]interface{}{
		{"article": " SKU-1 ", "price": "10,50", "qty": "5", "ean": "12345"},
		{"article": "SKU-2", "price": "20.00", "qty": "", "ean": ""},
	}

	normalized, errs, metrics := ApplyMappingToRows(basicMapping(), rows)

	require.Len(t, normalized, 2)
	assert.Empty(t, errs)
	assert.Equal(t, 2, metrics.TotalRows)
	assert.Equal(t, 2, metrics.RowsImported)
	assert.Equal(t, 0, metrics.RowsFailed)

	assert.Equal(t, "SKU-1", normalized[0].InternalSKU)
	assert.InDelta(t, 10.50, normalized[0].RRP, 0.001)
	require.NotNil(t, normalized[0].Stock)
	assert.Equal(t, int64(5), *normalized[0].Stock)
	require.NotNil(t, normalized[0].Barcode)
	assert.Equal(t, "12345", *normalized[0].Barcode)

	assert.Nil(t, normalized[1].Stock)
	assert.Nil(t, normalized[1].Barcode)
}

func TestApplyMappingToRows_MissingRequiredSkipsRow(t *testing.T) {
	rows := []map[string]interface{}{
		{"article": "", "price": "10"},
		{"article": "SKU-1", "price": ""},
	}

	normalized, errs, metrics := ApplyMappingToRows(basicMapping(), rows)

	assert.Empty(t, normalized)
	assert.Len(t, errs, 2)
	assert.Equal(t, 2, metrics.TotalRows)
	assert.Equal(t, 0, metrics.RowsImported)
	assert.Equal(t, 2, metrics.RowsFailed)
}

func TestApplyMappingToRows_OptionalTransformFailureDoesNotSkipRow(t *testing.T) {
	rows := []map[string]interface{}{
		{"article": "SKU-1", "price": "10", "qty": "not-a-number"},
	}

	normalized, errs, metrics := ApplyMappingToRows(basicMapping(), rows)

	require.Len(t, normalized, 1)
	assert.Nil(t, normalized[0].Stock)
	assert.Len(t, errs, 1)
	assert.Equal(t, "stock", errs[0].Field)
	assert.Equal(t, 1, metrics.RowsImported)
	assert.Equal(t, 0, metrics.RowsFailed)
}
