package internaldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransforms_Strip(t *testing.T) {
	out, err := ApplyTransforms("  SKU-001  ", []string{"strip"})
	require.NoError(t, err)
	assert.Equal(t, "SKU-001", out)
}

func TestApplyTransforms_SkuLastSegment(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{name: "slash separated", in: "CAT/SUB/SKU-001", want: "SKU-001"},
		{name: "no separator", in: "SKU-001", want: "SKU-001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ApplyTransforms(tt.in, []string{"sku_last_segment"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestApplyTransforms_ToDecimal(t *testing.T) {
	out, err := ApplyTransforms("1 234,56", []string{"strip", "to_decimal"})
	require.NoError(t, err)
	assert.InDelta(t, 1234.56, out.(float64), 0.001)
}

func TestApplyTransforms_ToDecimal_Invalid(t *testing.T) {
	_, err := ApplyTransforms("not-a-number", []string{"to_decimal"})
	assert.Error(t, err)
}

func TestApplyTransforms_ToInt(t *testing.T) {
	out, err := ApplyTransforms("42", []string{"to_int"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)
}

func TestApplyTransforms_NilShortCircuits(t *testing.T) {
	out, err := ApplyTransforms(nil, []string{"strip", "to_decimal"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestApplyTransforms_UnknownIgnored(t *testing.T) {
	out, err := ApplyTransforms("abc", []string{"not_a_real_transform"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}
