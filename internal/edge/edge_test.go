package edge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

func newEdgeStore(t *testing.T) *Store {
	t.Helper()
	backend, err := storage.OpenBolt(filepath.Join(t.TempDir(), "edges.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return New(backend, "edges")
}

func TestSaveDuplicateFailsWithoutReplace(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	e := Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "contains"}

	require.NoError(t, s.Save(ctx, e, false))
	err := s.Save(ctx, e, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Duplicate))
}

func TestSaveReplaceOverwrites(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	e := Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "contains", Metadata: map[string]any{"v": float64(1)}}

	require.NoError(t, s.Save(ctx, e, false))
	e.Metadata["v"] = float64(2)
	require.NoError(t, s.Save(ctx, e, true))

	between, err := s.FindBetween(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.Equal(t, float64(2), between[0].Metadata["v"])
}

func TestDeleteEdge(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	e := Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "contains"}
	require.NoError(t, s.Save(ctx, e, false))

	existed, err := s.DeleteEdge(ctx, "a", "b", "contains")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteEdge(ctx, "a", "b", "contains")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFindBySourceTargetType(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "contains"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "c", EdgeType: "references"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "d", TargetUUID: "b", EdgeType: "contains"}, false))

	bySource, err := s.FindBySource(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, bySource, 2)

	byTarget, err := s.FindByTarget(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, byTarget, 2)

	byType, err := s.FindByType(ctx, "contains")
	require.NoError(t, err)
	assert.Len(t, byType, 2)
}

func TestTraverseOutgoingBFS(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "e"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "b", TargetUUID: "c", EdgeType: "e"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "c", EdgeType: "e"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "c", TargetUUID: "a", EdgeType: "e"}, false))

	result, err := s.Traverse(ctx, "a", 5, Outgoing)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, result)
	assert.NotContains(t, result, "a")
}

func TestTraverseDepthLimit(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "e"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "b", TargetUUID: "c", EdgeType: "e"}, false))
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "c", TargetUUID: "d", EdgeType: "e"}, false))

	result, err := s.Traverse(ctx, "a", 2, Outgoing)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 2}, result)
}

func TestTraverseBothDirections(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "e"}, false))

	result, err := s.Traverse(ctx, "b", 1, Both)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, result)

	result, err = s.Traverse(ctx, "b", 1, Incoming)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, result)

	result, err = s.Traverse(ctx, "a", 1, Incoming)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestFindUnsynced(t *testing.T) {
	s := newEdgeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Edge{SourceUUID: "a", TargetUUID: "b", EdgeType: "e"}, false))

	unsynced, err := s.FindUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
}
