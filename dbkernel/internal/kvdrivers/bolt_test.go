package kvdrivers_test

import (
	"path/filepath"
	"testing"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBolt_Suite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "bolt_test.db")
	store, err := kvdrivers.NewBoltdb(path, kvdrivers.Config{
		Namespace: "test",
	})
	require.NoError(t, err, "failed to create boltdb")
	require.NotNil(t, store, "store should not be nil")

	t.Run("bolt", func(t *testing.T) {
		runSuite(t, store)
	})

	assert.NoError(t, store.Close(), "failed to close store")
}
