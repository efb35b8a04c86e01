package kvdrivers_test

import (
	"path/filepath"
	"testing"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLMDB_Suite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "lmdb_test.lmdb")
	store, err := kvdrivers.NewLmdb(path, kvdrivers.Config{
		Namespace: "test",
		NoSync:    false,
		MmapSize:  1 << 30,
	})
	require.NoError(t, err, "failed to create lmdb")
	require.NotNil(t, store, "store should not be nil")

	t.Run("lmdb", func(t *testing.T) {
		runSuite(t, store)
	})

	assert.NoError(t, store.Close(), "failed to close store")
}
