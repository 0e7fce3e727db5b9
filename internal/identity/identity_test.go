package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncmesh/internal/localstore"
)

func TestOpenGeneratesAndPersists(t *testing.T) {
	store, err := localstore.Open(filepath.Join(t.TempDir(), "t.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	d1, err := Open(store, nil)
	require.NoError(t, err)
	require.NotEmpty(t, d1.ID())
	require.NotEqual(t, Placeholder, d1.ID())

	d2, err := Open(store, nil)
	require.NoError(t, err)
	require.Equal(t, d1.ID(), d2.ID())
}

func TestOpenWithoutStoreReturnsPlaceholder(t *testing.T) {
	d, err := Open(nil, nil)
	require.NoError(t, err)
	require.Equal(t, Placeholder, d.ID())
}
