package snapshot_test

import (
	"testing"

	"shellgate/internal/snapshot"
	"shellgate/internal/snapshot/snapshottest"
)

func TestMemoryStore(t *testing.T) {
	snapshottest.Run(t, func(t *testing.T) snapshot.Store {
		return snapshot.NewMemoryStore()
	})
}
