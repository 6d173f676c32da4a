package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopRunner(ctx context.Context, rc RunContext) (Stats, error) {
	return Stats{"ok": true}, nil
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := New()
	_, err := r.Lookup("wb", "products")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	r.Register(Definition{SourceCode: "wb", JobCode: "products", Title: "Products", SupportsManual: true, Run: noopRunner})

	def, err := r.Lookup("wb", "products")
	require.NoError(t, err)
	assert.Equal(t, "Products", def.Title)
	assert.True(t, def.SupportsManual)
}

func TestRegistry_ListIsSortedBySourceThenTitle(t *testing.T) {
	r := New()
	r.Register(Definition{SourceCode: "wb", JobCode: "stocks", Title: "Stocks", Run: noopRunner})
	r.Register(Definition{SourceCode: "wb", JobCode: "products", Title: "Products", Run: noopRunner})
	r.Register(Definition{SourceCode: "internal_data", JobCode: "sync", Title: "Internal Data Sync", Run: noopRunner})

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "internal_data", list[0].SourceCode)
	assert.Equal(t, "wb", list[1].SourceCode)
	assert.Equal(t, "Products", list[1].Title)
	assert.Equal(t, "wb", list[2].SourceCode)
	assert.Equal(t, "Stocks", list[2].Title)
}
