package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeService(t *testing.T) {
	assert.Equal(t, "test", NormalizeService("testing"))
	assert.Equal(t, "publish", NormalizeService("publisher"))
	assert.Equal(t, "replicate", NormalizeService("replication"))
	assert.Equal(t, "deprecate", NormalizeService("deprecation"))
	assert.Equal(t, "upload", NormalizeService("uploader"))
	assert.Equal(t, "create", NormalizeService("creation"))
	// Canonical names pass through.
	assert.Equal(t, "obs", NormalizeService("obs"))
	// Unknown names are preserved for error reporting.
	assert.Equal(t, "bogus", NormalizeService("bogus"))
}

func TestStagesUpTo(t *testing.T) {
	stages, err := StagesUpTo("create")
	require.NoError(t, err)
	assert.Equal(t, []string{"obs", "upload", "create"}, stages)

	stages, err = StagesUpTo("deprecation")
	require.NoError(t, err)
	assert.Equal(t, PipelineOrder, stages)

	_, err = StagesUpTo("bogus")
	assert.Error(t, err)
}

func TestNextService(t *testing.T) {
	next, ok := NextService("obs", "publish")
	require.True(t, ok)
	assert.Equal(t, "upload", next)

	// The chain stops at last_service.
	_, ok = NextService("publish", "publish")
	assert.False(t, ok)

	// Aliases resolve on both sides.
	next, ok = NextService("testing", "publisher")
	require.True(t, ok)
	assert.Equal(t, "raw_image_upload", next)

	_, ok = NextService("deprecate", "deprecate")
	assert.False(t, ok)
}

func TestKnownService(t *testing.T) {
	assert.True(t, KnownService("testing"))
	assert.True(t, KnownService("raw_image_upload"))
	assert.False(t, KnownService("credentials"))
	assert.False(t, KnownService(""))
}
