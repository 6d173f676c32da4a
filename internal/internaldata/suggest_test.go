package internaldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestMapping(t *testing.T) {
	headers := []string{"Article", "Price RRP", "Qty", "EAN", "Unrelated Column"}

	mapping := SuggestMapping(headers)

	assert.Equal(t, "Article", mapping.Fields["internal_sku"].Key)
	assert.Equal(t, "Price RRP", mapping.Fields["rrp"].Key)
	assert.Equal(t, "Qty", mapping.Fields["stock"].Key)
	assert.Equal(t, "EAN", mapping.Fields["barcode"].Key)
	_, hasUnrelated := mapping.Fields["unrelated"]
	assert.False(t, hasUnrelated)
}

func TestSuggestMapping_NoMatchLeavesFieldUnmapped(t *testing.T) {
	mapping := SuggestMapping([]string{"totally_unrelated"})
	_, ok := mapping.Fields["internal_sku"]
	assert.False(t, ok)
}

func TestNormalizeFieldName(t *testing.T) {
	assert.Equal(t, "pricerrp", normalizeFieldName("Price RRP"))
	assert.Equal(t, "ррц", normalizeFieldName("РРЦ"))
}
