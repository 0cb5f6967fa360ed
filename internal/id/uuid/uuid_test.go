package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_NewID(t *testing.T) {
	t.Parallel()

	g := New()
	first, err := g.NewID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := g.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
