package version

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

func newVersionStore(t *testing.T) *Store {
	t.Helper()
	backend, err := storage.OpenBolt(filepath.Join(t.TempDir(), "versions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return New(backend, "entity_versions")
}

func TestFirstWriteIsSnapshot(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	state := map[string]any{"title": "a"}
	v, err := s.Write(ctx, "e1", nil, state, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	history, err := s.GetHistory(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, Snapshot, history[0].Kind)
}

func TestNoOpWriteWhenUnchanged(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	state := map[string]any{"title": "a"}
	_, err := s.Write(ctx, "e1", nil, state, 0, now)
	require.NoError(t, err)

	v, err := s.Write(ctx, "e1", state, state, 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	history, err := s.GetHistory(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// TestSnapshotCadenceUsesPreviousVersionNumber pins the snapshot/delta
// sequence for cadence 3: snapshots land at versions 1, 4, 7 and deltas at
// 2, 3, 5, 6, because the cadence check fires off the previous version
// number, not the version being written.
func TestSnapshotCadenceUsesPreviousVersionNumber(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	wantKinds := []RecordKind{Snapshot, Delta, Delta, Snapshot, Delta, Delta, Snapshot}

	prev := map[string]any{"title": "v1"}
	_, err := s.Write(ctx, "e1", nil, prev, 3, now)
	require.NoError(t, err)

	for i := 2; i <= len(wantKinds); i++ {
		cur := map[string]any{"title": fmt.Sprintf("v%d", i)}
		v, err := s.Write(ctx, "e1", prev, cur, 3, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, i, v)
		prev = cur
	}

	history, err := s.GetHistory(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, history, len(wantKinds))
	for i, want := range wantKinds {
		assert.Equalf(t, want, history[i].Kind, "version %d", i+1)
	}
}

func TestReconstructAtTimestamp(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	t0 := time.Now()

	v1 := map[string]any{"title": "v1"}
	_, err := s.Write(ctx, "e1", nil, v1, 0, t0)
	require.NoError(t, err)

	t1 := t0.Add(time.Minute)
	v2 := map[string]any{"title": "v2"}
	_, err = s.Write(ctx, "e1", v1, v2, 0, t1)
	require.NoError(t, err)

	t2 := t1.Add(time.Minute)
	v3 := map[string]any{"title": "v3"}
	_, err = s.Write(ctx, "e1", v2, v3, 0, t2)
	require.NoError(t, err)

	state, err := s.Reconstruct(ctx, "e1", t1)
	require.NoError(t, err)
	assert.Equal(t, v2, state)

	state, err = s.Reconstruct(ctx, "e1", t2.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, v3, state)
}

func TestReconstructBeforeFirstSnapshotFails(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Write(ctx, "e1", nil, map[string]any{"title": "v1"}, 0, now)
	require.NoError(t, err)

	_, err = s.Reconstruct(ctx, "e1", now.Add(-time.Hour))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotAvailable))
}

func TestReconstructUnknownEntityFails(t *testing.T) {
	s := newVersionStore(t)
	_, err := s.Reconstruct(context.Background(), "missing", time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotAvailable))
}

func TestPruneKeepsRecentSnapshotsAndLaterDeltas(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	prev := map[string]any{"n": float64(0)}
	_, err := s.Write(ctx, "e1", nil, prev, 2, now)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		cur := map[string]any{"n": float64(i)}
		_, err := s.Write(ctx, "e1", prev, cur, 2, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		prev = cur
	}

	require.NoError(t, s.Prune(ctx, "e1", 1))

	history, err := s.GetHistory(ctx, "e1")
	require.NoError(t, err)
	for _, v := range history[:len(history)-1] {
		_ = v
	}
	assert.Equal(t, Snapshot, history[0].Kind)

	state, err := s.Reconstruct(ctx, "e1", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(5)}, state)
}

func TestPruneZeroDeletesAllHistory(t *testing.T) {
	s := newVersionStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Write(ctx, "e1", nil, map[string]any{"n": float64(0)}, 0, now)
	require.NoError(t, err)

	require.NoError(t, s.Prune(ctx, "e1", 0))

	history, err := s.GetHistory(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
