package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/store"
)

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "devflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cs, err := NewSQLiteStore(db, zap.NewNop())
	require.NoError(t, err)
	return cs
}

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot("thread-1", "run-1", "feat-1")
	snap.Phase("analyze").Completed = true
	snap.Phase("requirements").ValidationTarget = "spec.yaml"
	snap.Phase("requirements").LastValidationErrors = []string{"spec.yaml: missing required field 'name'"}
	snap.Phase("requirements").ValidationRetries = 2
	snap.WaitingNode = "requirements"
	snap.SessionID = "sess-abc"
	snap.Merge = MergeState{
		CommitHash:  "deadbeef",
		PRURL:       "https://github.com/acme/widgets/pull/9",
		PRNumber:    9,
		CIFixStatus: CIFixFixing,
	}
	return snap
}

func testStoreRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot()))

	got, err := s.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "feat-1", got.FeatureID)
	assert.True(t, got.Phase("analyze").Completed)
	assert.Equal(t, 2, got.Phase("requirements").ValidationRetries)
	assert.Equal(t, []string{"spec.yaml: missing required field 'name'"}, got.Phase("requirements").LastValidationErrors)
	assert.Equal(t, "requirements", got.WaitingNode)
	assert.Equal(t, "sess-abc", got.SessionID)
	assert.Equal(t, 9, got.Merge.PRNumber)
	assert.Equal(t, CIFixFixing, got.Merge.CIFixStatus)
	assert.False(t, got.UpdatedAt.IsZero())
}

func testStoreUpsert(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot()))

	updated := sampleSnapshot()
	updated.WaitingNode = ""
	updated.Phase("requirements").Completed = true
	updated.Phase("requirements").ValidationRetries = 0
	updated.Phase("requirements").LastValidationErrors = nil
	require.NoError(t, s.Save(ctx, updated))

	got, err := s.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, got.WaitingNode)
	assert.True(t, got.Phase("requirements").Completed)
	assert.Zero(t, got.Phase("requirements").ValidationRetries)
}

func testStoreDelete(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	require.NoError(t, s.Delete(ctx, "thread-1"))

	_, err := s.Load(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete(ctx, "thread-1"))
}

func TestSQLiteStore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) { testStoreRoundTrip(t, openSQLiteStore(t)) })
	t.Run("upsert", func(t *testing.T) { testStoreUpsert(t, openSQLiteStore(t)) })
	t.Run("delete", func(t *testing.T) { testStoreDelete(t, openSQLiteStore(t)) })
}

func TestMemoryStore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) { testStoreRoundTrip(t, NewMemoryStore()) })
	t.Run("upsert", func(t *testing.T) { testStoreUpsert(t, NewMemoryStore()) })
	t.Run("delete", func(t *testing.T) { testStoreDelete(t, NewMemoryStore()) })
}

func TestSnapshotPhaseLazyInit(t *testing.T) {
	var snap Snapshot
	p := snap.Phase("plan")
	p.ValidationRetries = 1
	assert.Equal(t, 1, snap.Phases["plan"].ValidationRetries)
}
