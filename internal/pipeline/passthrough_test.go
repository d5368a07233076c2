package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughValidator(t *testing.T) {
	ctx := context.Background()
	collab := Passthrough()

	result, err := collab.Validator.Validate(ctx, []byte("content"))
	require.NoError(t, err)
	assert.True(t, result.Passed)

	result, err = collab.Validator.Validate(ctx, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Diagnostics)
}

func TestLineParser(t *testing.T) {
	ctx := context.Background()
	collab := Passthrough()

	t.Run("splits lines and skips blanks", func(t *testing.T) {
		result, err := collab.Parser.Parse(ctx, []byte("one\n\n  two  \n"))
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		assert.Equal(t, "one", result.Records[0]["value"])
		assert.Equal(t, "two", result.Records[1]["value"])
	})

	t.Run("empty content yields a diagnostic", func(t *testing.T) {
		result, err := collab.Parser.Parse(ctx, []byte("\n\n"))
		require.NoError(t, err)
		assert.Empty(t, result.Records)
		assert.NotEmpty(t, result.Errors)
	})
}

func TestFieldCategorizer(t *testing.T) {
	ctx := context.Background()
	collab := Passthrough()

	result, err := collab.Categorizer.Categorize(ctx, []Record{
		{"category": "invoice"},
		{"category": "invoice"},
		{"value": "no category"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counts["invoice"])
	assert.Equal(t, 1, result.Counts["uncategorized"])
}
